// Package dispatch maps processor ids to the queues that reach them.
package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sarchlab/telerouter/comm"
)

// ErrBadPayload is returned when a registration payload cannot be decoded.
var ErrBadPayload = errors.New("dispatch: bad registration payload")

const registrationMagic = 'R'

// EncodeRegistration builds the payload of a Register message announcing
// the sender's inbound queue.
func EncodeRegistration(queueName string) ([]byte, error) {
	if len(queueName) == 0 || len(queueName) > 255 {
		return nil, fmt.Errorf("%w: queue name length %d",
			ErrBadPayload, len(queueName))
	}

	p := make([]byte, 0, len(queueName)+2)
	p = append(p, registrationMagic, byte(len(queueName)))
	p = append(p, queueName...)

	return p, nil
}

// DecodeRegistration extracts the queue name from a Register payload.
func DecodeRegistration(payload []byte) (string, error) {
	if len(payload) < 2 || payload[0] != registrationMagic {
		return "", ErrBadPayload
	}

	n := int(payload[1])
	if n == 0 || len(payload) < 2+n {
		return "", fmt.Errorf("%w: truncated", ErrBadPayload)
	}

	return string(payload[2 : 2+n]), nil
}

// Table is the processor-id to reply-queue mapping of a master.
type Table struct {
	lock    sync.RWMutex
	entries map[comm.ProcessorID]*comm.Queue
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[comm.ProcessorID]*comm.Queue)}
}

// Set maps id to q, overwriting any previous entry. It reports whether an
// entry was replaced.
func (t *Table) Set(id comm.ProcessorID, q *comm.Queue) (replaced bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, replaced = t.entries[id]
	t.entries[id] = q

	return replaced
}

// Register decodes a registration payload from src, opens the announced
// queue and records it.
func (t *Table) Register(
	src comm.ProcessorID,
	payload []byte,
	opener comm.Opener,
) (*comm.Queue, error) {
	name, err := DecodeRegistration(payload)
	if err != nil {
		return nil, err
	}

	q, err := opener.Open(name)
	if err != nil {
		return nil, fmt.Errorf("dispatch: registering %s: %w", src, err)
	}

	t.Set(src, q)

	return q, nil
}

// Lookup returns the queue reaching id.
func (t *Table) Lookup(id comm.ProcessorID) (*comm.Queue, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	q, found := t.entries[id]

	return q, found
}

// Remove forgets id.
func (t *Table) Remove(id comm.ProcessorID) {
	t.lock.Lock()
	defer t.lock.Unlock()

	delete(t.entries, id)
}

// Len returns the number of registered processors.
func (t *Table) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return len(t.entries)
}

// IDs returns the registered processor ids in ascending order.
func (t *Table) IDs() []comm.ProcessorID {
	return t.AppendIDs(nil)
}

// AppendIDs appends the registered ids, ascending, to dst.
func (t *Table) AppendIDs(dst []comm.ProcessorID) []comm.ProcessorID {
	t.lock.RLock()
	start := len(dst)
	for id := range t.entries {
		dst = append(dst, id)
	}
	t.lock.RUnlock()

	ids := dst[start:]
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return dst
}

// Entry is one row of the table.
type Entry struct {
	Processor comm.ProcessorID
	Queue     string
}

// Snapshot lists every entry by ascending processor id.
func (t *Table) Snapshot() []Entry {
	t.lock.RLock()
	defer t.lock.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for id, q := range t.entries {
		out = append(out, Entry{Processor: id, Queue: q.Name()})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Processor < out[j].Processor
	})

	return out
}
