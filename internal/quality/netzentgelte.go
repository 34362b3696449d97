package quality

import "github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"

// Plausible price ranges. Leistung in EUR/kW per year, Arbeit in ct/kWh.
const (
	maxLeistung = 500.0
	maxArbeit   = 30.0
)

type netzentgelteRules struct{}

func (netzentgelteRules) check(p crawler.Payload, t *tally) {
	levels := p.Netzentgelte.Levels
	for _, level := range crawler.VoltageLevels() {
		prices := levels[level]
		t.required += 2
		if prices.Leistung != nil {
			t.present++
		}
		if prices.Arbeit != nil {
			t.present++
		}
		checkPrice(t, level, "leistung", prices.Leistung, maxLeistung)
		checkPrice(t, level, "arbeit", prices.Arbeit, maxArbeit)
		checkPrice(t, level, "leistung_unter_2500h", prices.LeistungUnter2500h, maxLeistung)
		checkPrice(t, level, "arbeit_unter_2500h", prices.ArbeitUnter2500h, maxArbeit)

		if prices.Arbeit != nil && prices.ArbeitUnter2500h != nil {
			t.consistency(*prices.ArbeitUnter2500h > *prices.Arbeit,
				"%s: arbeit below 2500h (%.4g) should exceed arbeit (%.4g)", level, *prices.ArbeitUnter2500h, *prices.Arbeit)
		}
		if prices.Leistung != nil && prices.LeistungUnter2500h != nil {
			t.consistency(*prices.LeistungUnter2500h < *prices.Leistung,
				"%s: leistung below 2500h (%.4g) should be under leistung (%.4g)", level, *prices.LeistungUnter2500h, *prices.Leistung)
		}
	}

	// Prices rise from high to low voltage. Gaps are skipped so one missing
	// level does not hide a violation between its neighbours.
	var prevLevel crawler.VoltageLevel
	var prevArbeit *float64
	for _, level := range crawler.VoltageLevels() {
		cur := levels[level].Arbeit
		if cur == nil {
			continue
		}
		if prevArbeit != nil {
			t.consistency(*cur >= *prevArbeit, "arbeit decreases from %s (%.4g) to %s (%.4g)", prevLevel, *prevArbeit, level, *cur)
		}
		prevLevel, prevArbeit = level, cur
	}
	prevLevel = ""
	var prevLeistung *float64
	for _, level := range crawler.VoltageLevels() {
		cur := levels[level].Leistung
		if cur == nil {
			continue
		}
		if prevLeistung != nil {
			t.consistency(*cur >= *prevLeistung, "leistung decreases from %s (%.4g) to %s (%.4g)", prevLevel, *prevLeistung, level, *cur)
		}
		prevLevel, prevLeistung = level, cur
	}
}

func checkPrice(t *tally, level crawler.VoltageLevel, field string, v *float64, upper float64) {
	if v == nil {
		return
	}
	t.validate(*v > 0 && *v <= upper, "%s: %s %.4g outside (0, %.0f]", level, field, *v, upper)
}
