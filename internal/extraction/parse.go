package extraction

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// decimalNumber matches prices written with a decimal part, in German
// (1.234,56 / 58,21) or English (58.21) notation. Integers such as years,
// kV ratings or the 2500 h threshold are deliberately not matched.
var decimalNumber = regexp.MustCompile(`\d{1,3}(?:\.\d{3})+,\d+|\d+,\d+|\d+\.\d+`)

// parseDecimals returns every decimal number in s.
func parseDecimals(s string) []float64 {
	var out []float64
	for _, m := range decimalNumber.FindAllString(s, -1) {
		if v, ok := parseDecimal(m); ok {
			out = append(out, v)
		}
	}
	return out
}

func parseDecimal(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, ",") {
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.ReplaceAll(raw, ",", ".")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var levelReplacer = strings.NewReplacer(
	"hoch-/mittelspannung", "hs/ms",
	"mittel-/niederspannung", "ms/ns",
	"hochspannung", "hs",
	"mittelspannung", "ms",
	"niederspannung", "ns",
	"umspannung", " ",
	"umspannebene", " ",
	" / ", "/",
	" /", "/",
	"/ ", "/",
	" - ", "/",
)

var (
	levelHSMS = regexp.MustCompile(`\bhs\s*[/-]\s*ms\b`)
	levelMSNS = regexp.MustCompile(`\bms\s*[/-]\s*ns\b`)
	levelHS   = regexp.MustCompile(`\bhs\b`)
	levelMS   = regexp.MustCompile(`\bms\b`)
	levelNS   = regexp.MustCompile(`\bns\b`)
)

// detectLevel finds the voltage level named in a cell.
func detectLevel(cell string) (crawler.VoltageLevel, bool) {
	s := levelReplacer.Replace(strings.ToLower(cell))
	switch {
	case levelHSMS.MatchString(s):
		return crawler.LevelHSMS, true
	case levelMSNS.MatchString(s):
		return crawler.LevelMSNS, true
	case levelHS.MatchString(s):
		return crawler.LevelHS, true
	case levelMS.MatchString(s):
		return crawler.LevelMS, true
	case levelNS.MatchString(s):
		return crawler.LevelNS, true
	default:
		return "", false
	}
}

var seasonWords = []struct {
	season crawler.Season
	words  []string
}{
	{crawler.SeasonWinter, []string{"winter"}},
	{crawler.SeasonFruehling, []string{"frühling", "fruehling", "frühjahr", "fruehjahr"}},
	{crawler.SeasonSommer, []string{"sommer"}},
	{crawler.SeasonHerbst, []string{"herbst"}},
}

// detectSeason finds the season named in s.
func detectSeason(s string) (crawler.Season, bool) {
	s = strings.ToLower(s)
	for _, sw := range seasonWords {
		for _, w := range sw.words {
			if strings.Contains(s, w) {
				return sw.season, true
			}
		}
	}
	return "", false
}

var timeRange = regexp.MustCompile(`(\d{1,2}:\d{2}(?::\d{2})?)\s*(?:-|–|—|bis)\s*(\d{1,2}:\d{2}(?::\d{2})?)`)

// parseWindows returns every HH:MM - HH:MM range in s.
func parseWindows(s string) []crawler.TimeWindow {
	var out []crawler.TimeWindow
	for _, m := range timeRange.FindAllStringSubmatch(s, -1) {
		out = append(out, crawler.TimeWindow{Start: m[1], Ende: m[2]})
	}
	return out
}

func rowText(row []string) string {
	return strings.Join(row, " ")
}
