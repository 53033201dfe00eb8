// Package fence models GPU completion signals for deferred resource release.
//
// A Signal is a monotonically increasing marker attached to each submitted
// batch of GPU work. Once the submission layer observes that a signal has
// completed, every batch tagged at or before it is finished and resources it
// touched may be reused.
//
// Counter is a reference timeline for drivers and tests. Queue is the ordered
// store of values waiting on a signal; it is drained by an explicit call from
// whoever observes completion, never by a callback captured at enqueue time.
//
// Nothing in this package is safe for concurrent use.
package fence

// Signal identifies a batch of submitted GPU work. Zero means no batch.
type Signal uint64

// Timeline reports which signal the batch currently being recorded will carry.
// Work released now must wait for that signal.
type Timeline interface {
	Pending() Signal
}

// Counter is a simple monotonic timeline.
//
//	pending := c.Pending() // batch being recorded, e.g. 1
//	sig := c.Submit()      // seals batch 1, pending becomes 2
//	c.Complete(sig)        // batch 1 observed finished
type Counter struct {
	next      Signal
	completed Signal
}

// NewCounter returns a timeline whose first batch carries signal 1.
func NewCounter() *Counter {
	return &Counter{next: 1}
}

// Pending returns the signal of the batch currently being recorded.
func (c *Counter) Pending() Signal {
	if c.next == 0 {
		c.next = 1
	}
	return c.next
}

// Submit seals the current batch and returns its signal.
func (c *Counter) Submit() Signal {
	sig := c.Pending()
	c.next = sig + 1
	return sig
}

// Complete records that sig (and every earlier signal) has finished.
// Stale or unsubmitted values are ignored.
func (c *Counter) Complete(sig Signal) {
	if sig <= c.completed || sig >= c.Pending() {
		return
	}
	c.completed = sig
}

// Completed returns the newest signal known to be finished.
func (c *Counter) Completed() Signal {
	return c.completed
}

// Submitted returns the newest signal handed out by Submit.
func (c *Counter) Submitted() Signal {
	return c.Pending() - 1
}

// Outstanding lists submitted signals that have not completed, oldest first.
func (c *Counter) Outstanding() []Signal {
	var out []Signal
	for s := c.completed + 1; s < c.Pending(); s++ {
		out = append(out, s)
	}
	return out
}
