// Package fetcher combines the probe collector, the headless renderer and the
// politeness controls into the single Fetcher used by strategy execution.
package fetcher
