package quality

import (
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

type hlzfRules struct{}

func (hlzfRules) check(p crawler.Payload, t *tally) {
	seasons := p.HLZF.Seasons
	t.required++
	if len(seasons[crawler.SeasonWinter]) > 0 {
		t.present++
	} else {
		t.issuef("winter has no high-load window")
	}

	for _, season := range crawler.Seasons() {
		windows := seasons[season]
		if len(windows) == 0 {
			continue
		}
		t.consistency(len(windows) <= crawler.MaxWindowsPerSeason, "%s has %d windows", season, len(windows))

		type span struct{ start, end int }
		var spans []span
		for _, w := range windows {
			start, okStart := ParseClock(w.Start)
			end, okEnd := ParseClock(w.Ende)
			t.validate(okStart, "%s: invalid start %q", season, w.Start)
			t.validate(okEnd, "%s: invalid ende %q", season, w.Ende)
			if !okStart || !okEnd {
				continue
			}
			t.consistency(start < end, "%s: window %s-%s ends before it starts", season, w.Start, w.Ende)
			if start < end {
				spans = append(spans, span{start, end})
			}
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		for i := 1; i < len(spans); i++ {
			t.consistency(spans[i].start >= spans[i-1].end, "%s: windows overlap", season)
		}
	}
}

// ParseClock parses HH:MM or HH:MM:SS into seconds after midnight. 24:00 is
// accepted as the end of the day.
func ParseClock(raw string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	vals := make([]int, 3)
	for i, part := range parts {
		if len(part) == 0 || len(part) > 2 {
			return 0, false
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		vals[i] = n
	}
	h, m, s := vals[0], vals[1], vals[2]
	if m > 59 || s > 59 {
		return 0, false
	}
	if h > 24 || (h == 24 && (m != 0 || s != 0)) {
		return 0, false
	}
	return h*3600 + m*60 + s, true
}

// FormatClock renders seconds after midnight as HH:MM:SS.
func FormatClock(secs int) string {
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return pad(h) + ":" + pad(m) + ":" + pad(s)
}

func pad(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
