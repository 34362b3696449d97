package extraction

import (
	"strings"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

type priceRole int

const (
	roleNone priceRole = iota
	roleLeistung
	roleArbeit
)

type band int

const (
	bandUnknown band = iota
	bandUnder
	bandOver
)

type column struct {
	role priceRole
	band band
}

// InterpretNetzentgelte reads grid fees from tables. Rows are matched to a
// voltage level by their first cells; prices are assigned by header columns
// when a header row names them and by position otherwise. Coverage is the
// share of the ten base price fields found.
func InterpretNetzentgelte(tables []Table) (crawler.Payload, float64) {
	levels := make(map[crawler.VoltageLevel]crawler.TariffPrices)
	for _, t := range tables {
		var header []column
		for _, row := range t.Rows {
			level, cell, ok := rowLevel(row)
			if !ok {
				if h, isHeader := headerColumns(row); isHeader {
					header = h
				}
				continue
			}
			prices := pricesFromRow(row, cell, header)
			merge(levels, level, prices)
		}
	}

	present := 0
	for _, level := range crawler.VoltageLevels() {
		p := levels[level]
		if p.Leistung != nil {
			present++
		}
		if p.Arbeit != nil {
			present++
		}
	}
	if len(levels) == 0 {
		return crawler.Payload{}, 0
	}
	return crawler.NewNetzentgeltePayload(crawler.NetzentgeltePayload{Levels: levels}),
		float64(present) / float64(2*len(crawler.VoltageLevels()))
}

func rowLevel(row []string) (crawler.VoltageLevel, int, bool) {
	for i, cell := range row {
		if i > 1 {
			break
		}
		if level, ok := detectLevel(cell); ok {
			return level, i, true
		}
	}
	return "", 0, false
}

func headerColumns(row []string) ([]column, bool) {
	cols := make([]column, len(row))
	found := false
	for i, cell := range row {
		lc := strings.ToLower(cell)
		switch {
		case strings.Contains(lc, "leistung"):
			cols[i].role = roleLeistung
		case strings.Contains(lc, "arbeit"):
			cols[i].role = roleArbeit
		default:
			continue
		}
		found = true
		cols[i].band = bandOf(lc)
	}
	if !found {
		return nil, false
	}
	// Two price pairs without band labels are < 2500 h then >= 2500 h, the
	// order used by the standard Preisblatt layout.
	seen := map[priceRole]int{}
	for i := range cols {
		if cols[i].role == roleNone {
			continue
		}
		seen[cols[i].role]++
	}
	if seen[roleLeistung] >= 2 || seen[roleArbeit] >= 2 {
		count := map[priceRole]int{}
		for i := range cols {
			if cols[i].role == roleNone || cols[i].band != bandUnknown {
				continue
			}
			count[cols[i].role]++
			if count[cols[i].role] == 1 {
				cols[i].band = bandUnder
			} else {
				cols[i].band = bandOver
			}
		}
	}
	return cols, true
}

func bandOf(lc string) band {
	switch {
	case strings.Contains(lc, "unter 2"), strings.Contains(lc, "< 2"), strings.Contains(lc, "<2"), strings.Contains(lc, "bis 2"):
		return bandUnder
	case strings.Contains(lc, "über 2"), strings.Contains(lc, "ab 2"), strings.Contains(lc, "≥"), strings.Contains(lc, ">="),
		strings.Contains(lc, "> 2"), strings.Contains(lc, ">2"):
		return bandOver
	default:
		return bandUnknown
	}
}

func pricesFromRow(row []string, levelCell int, header []column) crawler.TariffPrices {
	var prices crawler.TariffPrices
	if len(header) == len(row) {
		for i, cell := range row {
			if i == levelCell || header[i].role == roleNone {
				continue
			}
			nums := parseDecimals(cell)
			if len(nums) == 0 {
				continue
			}
			assign(&prices, header[i], nums[0])
		}
		if prices != (crawler.TariffPrices{}) {
			return prices
		}
	}

	var nums []float64
	for i, cell := range row {
		if i == levelCell {
			cell = stripLevelLabel(cell)
		}
		nums = append(nums, parseDecimals(cell)...)
	}
	switch {
	case len(nums) >= 4:
		assign(&prices, column{roleLeistung, bandUnder}, nums[0])
		assign(&prices, column{roleArbeit, bandUnder}, nums[1])
		assign(&prices, column{roleLeistung, bandOver}, nums[2])
		assign(&prices, column{roleArbeit, bandOver}, nums[3])
	case len(nums) >= 2:
		l, a := nums[0], nums[1]
		if a > l {
			l, a = a, l
		}
		assign(&prices, column{roleLeistung, bandUnknown}, l)
		assign(&prices, column{roleArbeit, bandUnknown}, a)
	case len(nums) == 1:
		// Label/value rows name the price in the label.
		lc := strings.ToLower(rowText(row))
		col := column{band: bandOf(lc)}
		switch {
		case strings.Contains(lc, "leistung"):
			col.role = roleLeistung
		case strings.Contains(lc, "arbeit"):
			col.role = roleArbeit
		}
		assign(&prices, col, nums[0])
	}
	return prices
}

// stripLevelLabel drops the level name so voltage ratings like 110/20 kV
// written with a decimal do not read as prices.
func stripLevelLabel(cell string) string {
	lc := strings.ToLower(cell)
	if i := strings.Index(lc, "kv"); i >= 0 {
		return cell[i+2:]
	}
	return cell
}

func assign(p *crawler.TariffPrices, col column, v float64) {
	target := func(base, under **float64) {
		dst := base
		if col.band == bandUnder {
			dst = under
		}
		if *dst == nil {
			*dst = crawler.Float(v)
		}
	}
	switch col.role {
	case roleLeistung:
		target(&p.Leistung, &p.LeistungUnter2500h)
	case roleArbeit:
		target(&p.Arbeit, &p.ArbeitUnter2500h)
	}
}

// merge fills fields of level that are still empty.
func merge(levels map[crawler.VoltageLevel]crawler.TariffPrices, level crawler.VoltageLevel, p crawler.TariffPrices) {
	if p == (crawler.TariffPrices{}) {
		return
	}
	cur := levels[level]
	fill := func(dst **float64, src *float64) {
		if *dst == nil && src != nil {
			*dst = src
		}
	}
	fill(&cur.Leistung, p.Leistung)
	fill(&cur.Arbeit, p.Arbeit)
	fill(&cur.LeistungUnter2500h, p.LeistungUnter2500h)
	fill(&cur.ArbeitUnter2500h, p.ArbeitUnter2500h)
	levels[level] = cur
}
