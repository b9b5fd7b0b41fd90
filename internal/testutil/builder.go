package testutil

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/countermgr/internal/counter"
	"github.com/zjrosen/countermgr/internal/registry"
	"github.com/zjrosen/countermgr/internal/runtime"
)

// Builder accumulates children and writes them to a registry and a
// runtime store, assigning addresses the way the Host does.
type Builder struct {
	t        *testing.T
	reg      registry.Registry
	store    runtime.Store
	prefix   string
	children []childData
}

// NewBuilder creates a builder seeding reg and store.
func NewBuilder(t *testing.T, reg registry.Registry, store runtime.Store) *Builder {
	t.Helper()
	return &Builder{t: t, reg: reg, store: store, prefix: runtime.DefaultAddressPrefix}
}

// WithAddressPrefix matches a Host created with runtime.WithAddressPrefix.
func (b *Builder) WithAddressPrefix(prefix string) *Builder {
	b.prefix = prefix
	return b
}

// WithChild adds a child with optional configuration.
func (b *Builder) WithChild(opts ...ChildOption) *Builder {
	child := defaultChild()
	for _, opt := range opts {
		opt(&child)
	}
	b.children = append(b.children, child)
	return b
}

// Build writes all accumulated children and returns their addresses in
// creation order.
func (b *Builder) Build() []string {
	b.t.Helper()
	addrs := make([]string, 0, len(b.children))
	for _, child := range b.children {
		addrs = append(addrs, b.insertChild(child))
	}
	return addrs
}

func (b *Builder) insertChild(child childData) string {
	b.t.Helper()
	seq, err := b.store.NextSequence()
	require.NoError(b.t, err)
	addr := fmt.Sprintf("%s%d", b.prefix, seq)

	require.NoError(b.t, b.store.Save(counter.State{Address: addr, Count: child.count}))
	if child.unregister {
		return addr
	}

	registered := child.count
	if child.stale {
		registered = child.registered
	}
	require.NoError(b.t, b.reg.Put(registry.ChildKey(addr), registry.ChildRecord{Address: addr, Count: registered}))
	return addr
}
