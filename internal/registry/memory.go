package registry

import "sync"

// MemoryRegistry is an in-memory Registry that remembers insertion order.
// It is safe for concurrent use.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[Key]ChildRecord
	order   map[string][]string // namespace -> addresses in insertion order
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[Key]ChildRecord),
		order:   make(map[string][]string),
	}
}

// Compile-time check.
var _ Registry = (*MemoryRegistry)(nil)

// Has reports whether a record exists under key.
func (r *MemoryRegistry) Has(key Key) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.records[key]
	return ok, nil
}

// Get returns the record under key or ErrNotFound.
func (r *MemoryRegistry) Get(key Key) (ChildRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return ChildRecord{}, ErrNotFound
	}
	return rec, nil
}

// Put inserts or overwrites the record under key. Overwrites keep the original
// insertion position. The stored address is always key.Address.
func (r *MemoryRegistry) Put(key Key, record ChildRecord) error {
	if err := key.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[key]; !exists {
		r.order[key.Namespace] = append(r.order[key.Namespace], key.Address)
	}
	record.Address = key.Address
	r.records[key] = record
	return nil
}

// Update applies fn under the write lock.
func (r *MemoryRegistry) Update(key Key, fn UpdateFunc) (ChildRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[key]
	if !ok {
		return ChildRecord{}, ErrNotFound
	}
	next, err := fn(current)
	if err != nil {
		return current, err
	}
	next.Address = current.Address
	r.records[key] = next
	return next, nil
}

// ListAll returns every record in namespace in insertion order.
func (r *MemoryRegistry) ListAll(namespace string) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := r.order[namespace]
	entries := make([]Entry, 0, len(addrs))
	for _, addr := range addrs {
		entries = append(entries, Entry{
			Key:    addr,
			Record: r.records[Key{Namespace: namespace, Address: addr}],
		})
	}
	return entries, nil
}

// Len returns the number of records across all namespaces.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
