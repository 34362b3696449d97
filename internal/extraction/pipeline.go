// Package extraction turns fetched documents into typed, scored extraction
// candidates. Every applicable method runs independently and all candidates
// above the confidence floor are returned; quality scoring picks the winner.
package extraction

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// Table is a grid of cell texts read from a document. Context carries nearby
// text such as a caption, heading or sheet name.
type Table struct {
	Context string
	Rows    [][]string
}

// Method reads tables from one kind of document.
type Method interface {
	Name() crawler.ExtractionMethod
	// Confidence is the method's intrinsic reliability in (0,1].
	Confidence() float64
	Applies(doc crawler.Document) bool
	Tables(ctx context.Context, doc crawler.Document) ([]Table, error)
}

// Config controls the pipeline.
type Config struct {
	ConfidenceFloor float64
}

// Pipeline runs extraction methods over documents.
type Pipeline struct {
	methods []Method
	floor   float64
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger
}

// DefaultMethods returns every built-in method.
func DefaultMethods() []Method {
	return []Method{
		TableMethod{},
		SpreadsheetMethod{},
		DocumentMethod{},
		FormMethod{},
		TextMethod{},
	}
}

// New builds a Pipeline. With no methods the defaults are used.
func New(cfg Config, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger, methods ...Method) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(methods) == 0 {
		methods = DefaultMethods()
	}
	return &Pipeline{
		methods: methods,
		floor:   crawler.ClampUnit(cfg.ConfidenceFloor),
		ids:     ids,
		clock:   clock,
		logger:  logger,
	}
}

// Extract runs every applicable method over doc and interprets the result for
// each requested data type. A failing method is logged and skipped; only a
// canceled context fails the whole extraction.
func (p *Pipeline) Extract(
	ctx context.Context,
	doc crawler.Document,
	dataTypes []crawler.DataType,
) ([]crawler.ExtractionCandidate, error) {
	var (
		mu    sync.Mutex
		found []crawler.ExtractionCandidate
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range p.methods {
		if !m.Applies(doc) {
			continue
		}
		g.Go(func() error {
			tables, err := m.Tables(gctx, doc)
			if err != nil {
				if gctx.Err() != nil {
					return fmt.Errorf("extract %s: %w", m.Name(), gctx.Err())
				}
				p.logger.Debug("extraction method failed",
					zap.String("method", string(m.Name())),
					zap.String("url", doc.FinalURL),
					zap.Error(err),
				)
				return nil
			}
			for _, dt := range dataTypes {
				c, ok := p.interpret(m, doc, dt, tables)
				if !ok {
					continue
				}
				mu.Lock()
				found = append(found, c)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := Dedup(found)
	for i := range out {
		id, err := p.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate candidate id: %w", err)
		}
		out[i].ID = id
	}
	return out, nil
}

func (p *Pipeline) interpret(
	m Method,
	doc crawler.Document,
	dt crawler.DataType,
	tables []Table,
) (crawler.ExtractionCandidate, bool) {
	var (
		payload  crawler.Payload
		coverage float64
	)
	switch dt {
	case crawler.DataTypeNetzentgelte:
		payload, coverage = InterpretNetzentgelte(tables)
	case crawler.DataTypeHLZF:
		payload, coverage = InterpretHLZF(tables)
	default:
		return crawler.ExtractionCandidate{}, false
	}
	if payload.IsZero() {
		return crawler.ExtractionCandidate{}, false
	}
	confidence := crawler.ClampUnit(m.Confidence() * coverage)
	if confidence < p.floor || confidence == 0 {
		return crawler.ExtractionCandidate{}, false
	}
	return crawler.ExtractionCandidate{
		SourceURL:   doc.SourceURL,
		FinalURL:    doc.FinalURL,
		ContentHash: doc.Hash,
		Method:      m.Name(),
		Payload:     payload,
		Confidence:  confidence,
		BlobURI:     doc.BlobURI,
		CreatedAt:   p.clock.Now(),
	}, true
}

// Dedup collapses candidates with the same DedupKey into the one with the
// highest confidence. The result is ordered by confidence, highest first.
func Dedup(candidates []crawler.ExtractionCandidate) []crawler.ExtractionCandidate {
	best := make(map[string]int, len(candidates))
	var out []crawler.ExtractionCandidate
	for _, c := range candidates {
		key := c.DedupKey()
		idx, seen := best[key]
		if !seen {
			best[key] = len(out)
			out = append(out, c)
			continue
		}
		if c.Confidence > out[idx].Confidence {
			out[idx] = c
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}
