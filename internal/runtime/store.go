package runtime

import (
	"errors"
	"sync"

	"github.com/zjrosen/countermgr/internal/counter"
)

// ErrUnknownContract is returned when a request targets an address that was never instantiated.
var ErrUnknownContract = errors.New("unknown contract")

// Store persists the children hosted by the environment and the address sequence.
type Store interface {
	// NextSequence reserves and returns the next address sequence number, starting at 1.
	NextSequence() (uint64, error)
	// Load returns the state of the child at address or ErrUnknownContract.
	Load(address string) (counter.State, error)
	// Save inserts or overwrites the state of a child.
	Save(state counter.State) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.Mutex
	seq      uint64
	children map[string]counter.State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{children: make(map[string]counter.State)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) NextSequence() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) Load(address string) (counter.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.children[address]
	if !ok {
		return counter.State{}, ErrUnknownContract
	}
	return st, nil
}

func (s *MemoryStore) Save(state counter.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[state.Address] = state
	return nil
}
