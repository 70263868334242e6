package comm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrQueueNotFound is returned when opening a name nobody created.
	ErrQueueNotFound = errors.New("comm: queue not found")

	// ErrQueueExists is returned when creating a name twice.
	ErrQueueExists = errors.New("comm: queue already exists")
)

// Opener resolves a queue name into a queue handle.
type Opener interface {
	Open(name string) (*Queue, error)
}

// Fabric is the multi-core messaging primitive: a namespace of queues that
// every core can create, open and close by name.
type Fabric struct {
	lock   sync.RWMutex
	queues map[string]*Queue
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{queues: make(map[string]*Queue)}
}

// Create makes a queue and publishes it under name.
func (f *Fabric) Create(name string, capacity int) (*Queue, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, found := f.queues[name]; found {
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}

	q := NewQueue(name, capacity)
	f.queues[name] = q

	return q, nil
}

// Publish makes an existing queue reachable under its name.
func (f *Fabric) Publish(q *Queue) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, found := f.queues[q.Name()]; found {
		return fmt.Errorf("%w: %s", ErrQueueExists, q.Name())
	}

	f.queues[q.Name()] = q

	return nil
}

// Open returns the queue published under name.
func (f *Fabric) Open(name string) (*Queue, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	q, found := f.queues[name]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	return q, nil
}

// Close withdraws name. Handles already opened stay usable.
func (f *Fabric) Close(name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, found := f.queues[name]; !found {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	delete(f.queues, name)

	return nil
}

// Names lists the published queue names in order.
func (f *Fabric) Names() []string {
	f.lock.RLock()
	defer f.lock.RUnlock()

	names := make([]string, 0, len(f.queues))
	for n := range f.queues {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
