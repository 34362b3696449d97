package extraction

import (
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/quality"
)

// InterpretHLZF reads high-load time windows. Two layouts are understood:
// seasons as row labels (or as headings above the windows), and seasons as
// column headers with windows below. Times are normalized to HH:MM:SS.
// Coverage is 0.75 for winter, the season every DNO publishes, plus a share
// for each further season.
func InterpretHLZF(tables []Table) (crawler.Payload, float64) {
	seasons := make(map[crawler.Season][]crawler.TimeWindow)
	add := func(season crawler.Season, windows []crawler.TimeWindow) {
		for _, w := range windows {
			start, okS := quality.ParseClock(w.Start)
			end, okE := quality.ParseClock(w.Ende)
			if !okS || !okE {
				continue
			}
			norm := crawler.TimeWindow{Start: quality.FormatClock(start), Ende: quality.FormatClock(end)}
			dup := false
			for _, existing := range seasons[season] {
				if existing == norm {
					dup = true
					break
				}
			}
			if !dup {
				seasons[season] = append(seasons[season], norm)
			}
		}
	}

	for _, t := range tables {
		current, hasCurrent := detectSeason(t.Context)
		var columns map[int]crawler.Season
		for _, row := range t.Rows {
			if cols := seasonColumns(row); len(cols) >= 2 {
				columns = cols
				continue
			}
			if columns != nil {
				matched := false
				for i, cell := range row {
					season, ok := columns[i]
					if !ok {
						continue
					}
					if ws := parseWindows(cell); len(ws) > 0 {
						add(season, ws)
						matched = true
					}
				}
				if matched {
					continue
				}
			}
			if season, ok := detectSeason(rowText(row)); ok {
				current, hasCurrent = season, true
			}
			if !hasCurrent {
				continue
			}
			add(current, parseWindows(rowText(row)))
		}
	}

	if len(seasons) == 0 {
		return crawler.Payload{}, 0
	}
	coverage := 0.0
	others := 0
	for season, ws := range seasons {
		if len(ws) == 0 {
			continue
		}
		if season == crawler.SeasonWinter {
			coverage += 0.75
		} else {
			others++
		}
	}
	coverage += 0.25 * float64(others) / 3
	return crawler.NewHLZFPayload(crawler.HLZFPayload{Seasons: seasons}), crawler.ClampUnit(coverage)
}

func seasonColumns(row []string) map[int]crawler.Season {
	cols := make(map[int]crawler.Season)
	for i, cell := range row {
		if len(parseWindows(cell)) > 0 {
			return nil
		}
		if season, ok := detectSeason(cell); ok {
			cols[i] = season
		}
	}
	return cols
}
