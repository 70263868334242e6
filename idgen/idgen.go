// Package idgen provides the identifiers stamped on messages and runs.
package idgen

import (
	"sync/atomic"

	"github.com/rs/xid"
)

// ID is a unique identifier represented as a uint64.
type ID uint64

// Generator produces unique identifiers.
type Generator interface {
	Generate() ID
}

// New returns a sequential generator whose first emitted ID is "1".
func New() Generator {
	return &sequentialGenerator{}
}

type sequentialGenerator struct {
	next uint64
}

func (g *sequentialGenerator) Generate() ID {
	return ID(atomic.AddUint64(&g.next, 1))
}

var defaultGenerator = New()

// Generate returns the next ID from the process-wide generator.
func Generate() ID {
	return defaultGenerator.Generate()
}

// RunID returns a globally unique, sortable identifier for a router run. It is
// used to name recordings so that two runs never share a database.
func RunID() string {
	return xid.New().String()
}
