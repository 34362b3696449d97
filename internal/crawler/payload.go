package crawler

// VoltageLevel is a grid level a Netzentgelte price applies to.
type VoltageLevel string

// Voltage levels from highest to lowest.
const (
	LevelHS   VoltageLevel = "hs"
	LevelHSMS VoltageLevel = "hs/ms"
	LevelMS   VoltageLevel = "ms"
	LevelMSNS VoltageLevel = "ms/ns"
	LevelNS   VoltageLevel = "ns"
)

// VoltageLevels returns the levels ordered from high to low voltage.
func VoltageLevels() []VoltageLevel {
	return []VoltageLevel{LevelHS, LevelHSMS, LevelMS, LevelMSNS, LevelNS}
}

// Season is a quarter used by Hochlastzeitfenster tables.
type Season string

// Seasons in calendar order starting with winter.
const (
	SeasonWinter    Season = "winter"
	SeasonFruehling Season = "fruehling"
	SeasonSommer    Season = "sommer"
	SeasonHerbst    Season = "herbst"
)

// Seasons returns all seasons in canonical order.
func Seasons() []Season {
	return []Season{SeasonWinter, SeasonFruehling, SeasonSommer, SeasonHerbst}
}

// MaxWindowsPerSeason bounds how many HLZF windows a season can carry.
const MaxWindowsPerSeason = 4

// TariffPrices are the grid fee components for one voltage level.
// Leistung is in EUR/kW per year, Arbeit in ct/kWh.
type TariffPrices struct {
	Leistung           *float64 `json:"leistung,omitempty"`
	Arbeit             *float64 `json:"arbeit,omitempty"`
	LeistungUnter2500h *float64 `json:"leistung_unter_2500h,omitempty"`
	ArbeitUnter2500h   *float64 `json:"arbeit_unter_2500h,omitempty"`
}

// NetzentgeltePayload holds grid fees per voltage level.
type NetzentgeltePayload struct {
	Year   int                           `json:"year,omitempty"`
	Levels map[VoltageLevel]TariffPrices `json:"levels"`
}

// TimeWindow is one high-load window, formatted HH:MM:SS.
type TimeWindow struct {
	Start string `json:"start"`
	Ende  string `json:"ende"`
}

// HLZFPayload holds high-load time windows per season.
type HLZFPayload struct {
	Year    int                     `json:"year,omitempty"`
	Seasons map[Season][]TimeWindow `json:"seasons"`
}

// Payload is the typed result of an extraction. Exactly one variant is set and
// Kind names it.
type Payload struct {
	Kind         DataType             `json:"kind"`
	Netzentgelte *NetzentgeltePayload `json:"netzentgelte,omitempty"`
	HLZF         *HLZFPayload         `json:"hlzf,omitempty"`
}

// NewNetzentgeltePayload wraps a Netzentgelte variant.
func NewNetzentgeltePayload(p NetzentgeltePayload) Payload {
	return Payload{Kind: DataTypeNetzentgelte, Netzentgelte: &p}
}

// NewHLZFPayload wraps an HLZF variant.
func NewHLZFPayload(p HLZFPayload) Payload {
	return Payload{Kind: DataTypeHLZF, HLZF: &p}
}

// IsZero reports whether no variant is set.
func (p Payload) IsZero() bool {
	return p.Netzentgelte == nil && p.HLZF == nil
}

// FieldCount returns the number of populated scalar fields.
func (p Payload) FieldCount() int {
	n := 0
	switch {
	case p.Netzentgelte != nil:
		for _, prices := range p.Netzentgelte.Levels {
			for _, v := range []*float64{prices.Leistung, prices.Arbeit, prices.LeistungUnter2500h, prices.ArbeitUnter2500h} {
				if v != nil {
					n++
				}
			}
		}
	case p.HLZF != nil:
		for _, windows := range p.HLZF.Seasons {
			n += 2 * len(windows)
		}
	}
	return n
}

// Float returns a pointer to v for optional payload fields.
func Float(v float64) *float64 {
	return &v
}
