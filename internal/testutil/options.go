package testutil

// childData holds everything needed to seed one child.
type childData struct {
	count      int32
	registered int32
	stale      bool
	unregister bool
}

func defaultChild() childData {
	return childData{}
}

// ChildOption configures a child during builder setup.
type ChildOption func(*childData)

// Count sets the child's count in both the environment and the registry.
func Count(n int32) ChildOption {
	return func(c *childData) {
		c.count = n
	}
}

// StaleCount records n in the registry while the environment keeps the
// real count, as if a confirmation were still in flight.
func StaleCount(n int32) ChildOption {
	return func(c *childData) {
		c.registered = n
		c.stale = true
	}
}

// Unregistered creates the child in the environment only, as if its
// create confirmation had never been delivered.
func Unregistered() ChildOption {
	return func(c *childData) {
		c.unregister = true
	}
}
