package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// ErrDisabled is returned when headless rendering is turned off.
var ErrDisabled = errors.New("headless rendering disabled")

// Noop satisfies crawler.Fetcher when no browser is available.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrDisabled
}
