// Package pressure implements the memory pressure notification chain.
// Components that cache memory register a callback and free what they can
// when the chain is notified.
package pressure

import (
	"fmt"
	"log/slog"
)

// Severity of a memory pressure notification.
type Severity int

const (
	// SeverityLow asks callbacks to free memory that is cheap to rebuild.
	SeverityLow Severity = iota

	// SeverityHigh asks callbacks to free everything they can.
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityHigh:
		return "high"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Notifier ...
type Notifier interface {
	Notify(severity Severity)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(severity Severity)

// Notify ...
func (f NotifierFunc) Notify(severity Severity) {
	f(severity)
}

// Callback frees unused memory for the given severity.
type Callback func(severity Severity)

// Handle identifies a registered callback.
type Handle uint64

type entry struct {
	handle   Handle
	name     string
	callback Callback
}

// Chain runs registered callbacks in registration order.
// It is not safe for concurrent use.
type Chain struct {
	logger  *slog.Logger
	entries []entry
	next    Handle

	notifying     bool
	notifications uint64
}

var _ Notifier = &Chain{}

// NewChain creates an empty chain, logger may be nil.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger, next: 1}
}

// Register appends a callback to the chain.
func (c *Chain) Register(name string, cb Callback) Handle {
	h := c.next
	c.next++
	c.entries = append(c.entries, entry{handle: h, name: name, callback: cb})
	return h
}

// Unregister removes a callback, unknown handles are ignored.
func (c *Chain) Unregister(h Handle) {
	for i, e := range c.entries {
		if e.handle == h {
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			return
		}
	}
}

// Notify runs every callback with the severity. A Notify issued by a
// callback while the chain is running is dropped.
func (c *Chain) Notify(severity Severity) {
	if c.notifying {
		c.logger.Debug("nested memory pressure notification dropped", "severity", severity.String())
		return
	}
	c.notifying = true
	defer func() { c.notifying = false }()

	c.notifications++
	for _, e := range c.entries {
		c.logger.Debug("running memory pressure callback", "name", e.name, "severity", severity.String())
		e.callback(severity)
	}
}

// Notifying reports whether the callbacks are running. A Notify issued
// meanwhile is dropped.
func (c *Chain) Notifying() bool {
	return c.notifying
}

// Len returns the number of registered callbacks.
func (c *Chain) Len() int {
	return len(c.entries)
}

// Notifications returns how many times the chain ran.
func (c *Chain) Notifications() uint64 {
	return c.notifications
}
