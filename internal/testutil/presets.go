package testutil

// WithStandardChildren adds three children whose registry entries match
// the environment:
//
//	contract1  count 0
//	contract2  count 5
//	contract3  count -2
func (b *Builder) WithStandardChildren() *Builder {
	return b.
		WithChild().
		WithChild(Count(5)).
		WithChild(Count(-2))
}

// WithDivergedChildren adds two children the registry disagrees with:
// contract1 is registered with a stale count of 1 while the environment
// holds 3, and contract2 exists only in the environment.
func (b *Builder) WithDivergedChildren() *Builder {
	return b.
		WithChild(Count(3), StaleCount(1)).
		WithChild(Unregistered())
}
