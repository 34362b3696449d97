// Package quality scores extraction candidates against per data type rule
// sets. Scores are deterministic functions of the payload.
package quality

import (
	"fmt"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
)

// Weights combine the three sub-scores into Overall.
type Weights struct {
	Completeness float64
	Accuracy     float64
	Consistency  float64
}

// DefaultWeights weighs completeness highest.
func DefaultWeights() Weights {
	return Weights{Completeness: 0.5, Accuracy: 0.3, Consistency: 0.2}
}

// Config controls scoring.
type Config struct {
	Weights   Weights
	Threshold float64
}

// Evaluator scores candidates.
type Evaluator struct {
	weights   Weights
	threshold float64
	rules     map[crawler.DataType]ruleSet
}

// New builds an Evaluator. Non-positive weights fall back to the defaults.
func New(cfg Config) *Evaluator {
	w := cfg.Weights
	if w.Completeness < 0 || w.Accuracy < 0 || w.Consistency < 0 || w.Completeness+w.Accuracy+w.Consistency <= 0 {
		w = DefaultWeights()
	}
	return &Evaluator{
		weights:   w,
		threshold: crawler.ClampUnit(cfg.Threshold),
		rules: map[crawler.DataType]ruleSet{
			crawler.DataTypeNetzentgelte: netzentgelteRules{},
			crawler.DataTypeHLZF:         hlzfRules{},
		},
	}
}

// Threshold is the minimum Overall a candidate needs to complete a session.
func (e *Evaluator) Threshold() float64 {
	return e.threshold
}

// Passes reports whether score reaches the threshold.
func (e *Evaluator) Passes(score crawler.QualityScore) bool {
	return score.Overall >= e.threshold
}

// Evaluate scores candidate as dataType. A payload of another kind scores zero.
func (e *Evaluator) Evaluate(candidate crawler.ExtractionCandidate, dataType crawler.DataType) crawler.QualityScore {
	score := e.evaluate(candidate.Payload, dataType)
	metrics.ObserveQuality(string(dataType), score.Overall)
	return score
}

func (e *Evaluator) evaluate(p crawler.Payload, dataType crawler.DataType) crawler.QualityScore {
	rules, ok := e.rules[dataType]
	if !ok {
		return crawler.QualityScore{Issues: []string{fmt.Sprintf("no rule set for data type %q", dataType)}}
	}
	if p.Kind != dataType || p.IsZero() {
		return crawler.QualityScore{Issues: []string{fmt.Sprintf("payload kind %q does not match %q", p.Kind, dataType)}}
	}
	var t tally
	rules.check(p, &t)

	score := crawler.QualityScore{
		Completeness: ratio(t.present, t.required),
		Accuracy:     ratio(t.valid, t.validated),
		Consistency:  ratio(t.consistent, t.checks),
		Issues:       t.issues,
	}
	if t.checks == 0 && t.present > 0 {
		score.Consistency = 1
	}
	w := e.weights
	sum := w.Completeness + w.Accuracy + w.Consistency
	score.Overall = crawler.ClampUnit(
		(w.Completeness*score.Completeness + w.Accuracy*score.Accuracy + w.Consistency*score.Consistency) / sum,
	)
	return score
}

type ruleSet interface {
	check(p crawler.Payload, t *tally)
}

// tally accumulates rule results. Each sub-score is a hit ratio.
type tally struct {
	required, present  int
	validated, valid   int
	checks, consistent int
	issues             []string
}

func (t *tally) issuef(format string, args ...any) {
	t.issues = append(t.issues, fmt.Sprintf(format, args...))
}

func (t *tally) validate(ok bool, format string, args ...any) {
	t.validated++
	if ok {
		t.valid++
		return
	}
	t.issuef(format, args...)
}

func (t *tally) consistency(ok bool, format string, args ...any) {
	t.checks++
	if ok {
		t.consistent++
		return
	}
	t.issuef(format, args...)
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return crawler.ClampUnit(float64(n) / float64(d))
}
