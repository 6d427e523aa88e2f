// Package connector defines the pluggable adapter contract for extracting
// records from legacy care-management systems. Concrete byte-level decoding of
// CSV/XLSX/XML payloads lives in external adapters; this package only fixes
// the contract they implement and provides a registry plus an in-memory
// connector used in tests and sandboxing.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrConnectorNotFound is returned when no connector is registered for a
// requested legacy system.
var ErrConnectorNotFound = errors.New("source connector not found")

// Row is a single source record, keyed by source field name.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Config describes one extraction request against a connector.
type Config struct {
	System  string            `json:"system"`
	Entity  string            `json:"entity"`
	Source  string            `json:"source"` // DSN, file path, or API base URL
	Options map[string]string `json:"options,omitempty"`
}

// RowIterator is a lazy, finite iteration over source records. Callers must
// Close it; a failed iteration can be restarted by calling Extract again.
type RowIterator interface {
	// Next advances the iterator. It returns false when the sequence is
	// exhausted or an error occurred; check Err to distinguish.
	Next() bool
	// Row returns the current record. Only valid after Next returned true.
	Row() Row
	// Err returns the first error encountered, if any.
	Err() error
	Close() error
}

// SourceConnector is the adapter contract for one legacy system or file format.
type SourceConnector interface {
	Name() string
	SupportedFormats() []string
	Extract(ctx context.Context, cfg Config) (RowIterator, error)
	HealthCheck(ctx context.Context) bool
}

// Registry holds the connectors known to the engine, keyed by name.
// All operations are thread-safe.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]SourceConnector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]SourceConnector)}
}

// Register adds or replaces a connector under its own name.
func (r *Registry) Register(c SourceConnector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// Get returns the connector registered under name.
func (r *Registry) Get(name string) (SourceConnector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	return c, nil
}

// Names returns the registered connector names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	return names
}

// Sample reads up to n rows from the iterator. Used for mapping suggestion and
// quality assessment ahead of a full extraction.
func Sample(it RowIterator, n int) ([]Row, error) {
	var rows []Row
	for len(rows) < n && it.Next() {
		rows = append(rows, it.Row().Clone())
	}
	if err := it.Err(); err != nil {
		return rows, err
	}
	return rows, nil
}
