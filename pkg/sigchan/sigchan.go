package sigchan

// Chan coalesces notifications: any number of Emit calls between two receives
// wake the receiver once. It carries no data.
type Chan struct {
	c chan struct{}
}

// New returns a Chan with one pending slot.
func New() *Chan {
	return &Chan{c: make(chan struct{}, 1)}
}

// Emit never blocks; if a wake-up is already pending it is a no-op.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C is the receive side, for select.
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Pending consumes a pending wake-up without blocking and reports whether there was one.
func (c *Chan) Pending() bool {
	select {
	case <-c.c:
		return true
	default:
		return false
	}
}
