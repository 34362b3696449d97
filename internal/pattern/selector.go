package pattern

import (
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/hash/sha256"
)

// Strategy is the selector's decision for the next attempt.
type Strategy struct {
	PatternID  string
	Definition crawler.StrategyDefinition
	Signature  string
	Confidence float64
	Explore    bool
}

// Input is everything Select needs. It carries no references to mutable
// state, so Select is a pure function of Input and the random draw.
type Input struct {
	DataType  crawler.DataType
	Patterns  []crawler.Pattern
	Tried     []string
	TypeStats []crawler.TypeStats
	// Available restricts pattern types. Empty means all types.
	Available []crawler.PatternType
}

// Selector implements epsilon-greedy strategy selection.
type Selector struct {
	epsilon float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector builds a Selector exploring with probability epsilon. A zero
// seed derives one from the wall clock.
func NewSelector(epsilon float64, seed uint64) *Selector {
	if epsilon < 0 {
		epsilon = 0
	}
	if epsilon > 1 {
		epsilon = 1
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Selector{epsilon: epsilon, rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

type option struct {
	pattern  *crawler.Pattern
	def      crawler.StrategyDefinition
	sig      string
	attempts int64
}

// Select picks the next strategy. ok is false when every strategy for the data
// type was either tried in this session or rejected.
func (s *Selector) Select(in Input) (Strategy, bool) {
	learned, defaults := s.options(in)
	if len(learned) == 0 && len(defaults) == 0 {
		return Strategy{}, false
	}
	if len(learned) == 0 || s.roll() {
		if st, ok := explore(learned, defaults, in); ok {
			return st, true
		}
	}
	if st, ok := exploit(learned); ok {
		return st, true
	}
	return explore(learned, defaults, in)
}

func (s *Selector) roll() bool {
	if s.epsilon <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.epsilon
}

func (s *Selector) options(in Input) ([]option, []option) {
	tried := make(map[string]bool, len(in.Tried))
	for _, sig := range in.Tried {
		tried[sig] = true
	}
	allowed := func(t crawler.PatternType) bool {
		return len(in.Available) == 0 || slices.Contains(in.Available, t)
	}

	known := make(map[string]bool)
	var learned []option
	for i := range in.Patterns {
		p := &in.Patterns[i]
		if p.Definition.DataType != in.DataType {
			continue
		}
		known[p.Signature] = true
		if p.ReviewState == crawler.ReviewRejected || tried[p.Signature] || !allowed(p.Type) {
			continue
		}
		learned = append(learned, option{pattern: p, def: p.Definition, sig: p.Signature, attempts: p.Attempts()})
	}

	var defaults []option
	for _, def := range DefaultStrategies(in.DataType) {
		if !allowed(def.Type) {
			continue
		}
		sig, err := sha256.Signature(def)
		if err != nil || known[sig] || tried[sig] {
			continue
		}
		defaults = append(defaults, option{def: def, sig: sig})
	}
	return learned, defaults
}

// exploit prefers Verified patterns, then highest confidence, then the most
// recent success.
func exploit(learned []option) (Strategy, bool) {
	if len(learned) == 0 {
		return Strategy{}, false
	}
	best := learned[0]
	for _, o := range learned[1:] {
		if better(o.pattern, best.pattern) {
			best = o
		}
	}
	return toStrategy(best, false), true
}

func better(a, b *crawler.Pattern) bool {
	av, bv := a.ReviewState == crawler.ReviewVerified, b.ReviewState == crawler.ReviewVerified
	if av != bv {
		return av
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return lastSuccess(a).After(lastSuccess(b))
}

func lastSuccess(p *crawler.Pattern) time.Time {
	if p.LastSuccessAt == nil {
		return time.Time{}
	}
	return *p.LastSuccessAt
}

// explore picks a pattern type the target has not attempted yet, ordered by
// the global success rate of the type. When every type has been attempted it
// falls back to the least attempted option.
func explore(learned, defaults []option, in Input) (Strategy, bool) {
	attemptedTypes := make(map[crawler.PatternType]bool)
	for _, p := range in.Patterns {
		if p.Definition.DataType == in.DataType && p.Attempts() > 0 {
			attemptedTypes[p.Type] = true
		}
	}
	rates := make(map[crawler.PatternType]float64)
	for _, st := range in.TypeStats {
		rates[st.Type] = st.SuccessRate()
	}
	rate := func(t crawler.PatternType) float64 {
		if r, ok := rates[t]; ok {
			return r
		}
		return crawler.Confidence(0, 0)
	}

	var fresh []option
	for _, o := range defaults {
		if !attemptedTypes[o.def.Type] {
			fresh = append(fresh, o)
		}
	}
	for _, o := range learned {
		if !attemptedTypes[o.def.Type] {
			fresh = append(fresh, o)
		}
	}
	if len(fresh) > 0 {
		sort.SliceStable(fresh, func(i, j int) bool {
			return rate(fresh[i].def.Type) > rate(fresh[j].def.Type)
		})
		return toStrategy(fresh[0], true), true
	}

	pool := append(append([]option(nil), defaults...), learned...)
	if len(pool) == 0 {
		return Strategy{}, false
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].attempts < pool[j].attempts
	})
	return toStrategy(pool[0], true), true
}

func toStrategy(o option, explore bool) Strategy {
	st := Strategy{Definition: o.def, Signature: o.sig, Explore: explore, Confidence: crawler.Confidence(0, 0)}
	if o.pattern != nil {
		st.PatternID = o.pattern.ID
		st.Confidence = o.pattern.Confidence
	}
	return st
}
