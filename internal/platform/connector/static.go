package connector

import (
	"context"
	"fmt"
)

// StaticConnector serves rows held in memory, keyed by entity. It backs unit
// tests and the development sandbox; extraction is restartable because every
// Extract call returns a fresh iterator over the same rows.
type StaticConnector struct {
	SystemName string
	Formats    []string
	Rows       map[string][]Row // entity -> rows
	Healthy    bool
	// FailAfter, when > 0, makes iterators fail after that many rows to
	// exercise restart-on-failure paths.
	FailAfter int
}

// NewStaticConnector creates a healthy StaticConnector for the given system.
func NewStaticConnector(system string, rows map[string][]Row) *StaticConnector {
	return &StaticConnector{
		SystemName: system,
		Formats:    []string{"csv", "json"},
		Rows:       rows,
		Healthy:    true,
	}
}

// Name implements SourceConnector.
func (c *StaticConnector) Name() string { return c.SystemName }

// SupportedFormats implements SourceConnector.
func (c *StaticConnector) SupportedFormats() []string { return c.Formats }

// HealthCheck implements SourceConnector.
func (c *StaticConnector) HealthCheck(context.Context) bool { return c.Healthy }

// Extract implements SourceConnector.
func (c *StaticConnector) Extract(_ context.Context, cfg Config) (RowIterator, error) {
	rows, ok := c.Rows[cfg.Entity]
	if !ok {
		return nil, fmt.Errorf("connector %s: unknown entity %q", c.SystemName, cfg.Entity)
	}
	return &staticIterator{rows: rows, failAfter: c.FailAfter}, nil
}

// Entities returns the entity names this connector can extract.
func (c *StaticConnector) Entities() []string {
	entities := make([]string, 0, len(c.Rows))
	for e := range c.Rows {
		entities = append(entities, e)
	}
	return entities
}

type staticIterator struct {
	rows      []Row
	pos       int
	failAfter int
	err       error
	closed    bool
}

func (it *staticIterator) Next() bool {
	if it.closed || it.err != nil || it.pos >= len(it.rows) {
		return false
	}
	if it.failAfter > 0 && it.pos >= it.failAfter {
		it.err = fmt.Errorf("source read failed after %d rows", it.failAfter)
		return false
	}
	it.pos++
	return true
}

func (it *staticIterator) Row() Row { return it.rows[it.pos-1] }

func (it *staticIterator) Err() error { return it.err }

func (it *staticIterator) Close() error {
	it.closed = true
	return nil
}
