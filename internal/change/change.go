// Package change implements the Change type: the logical, user-visible
// mutation that owns a chain of Commands and tracks their completion. The
// concrete Command sum type and the factory that builds chain shapes live
// in internal/command, which imports this package — Change itself stays
// free of that dependency so the two packages don't form a cycle; a
// Command's owning Change is therefore a plain pointer embedded in each
// concrete command struct. Go's garbage collector makes a weak reference
// unnecessary here, since a retain cycle between a Change and its own
// commands is reclaimed like any other unreachable graph once the chain
// finishes.
package change

import (
	"sync"
	"sync/atomic"
)

// Type is the kind of logical mutation a Change represents.
type Type string

const (
	TypeNew    Type = "new"
	TypeUpdate Type = "update"
	TypeMove   Type = "move"
	TypeDelete Type = "delete"
)

// LocalCloudID is the reserved cloud_id for the local endpoint.
const LocalCloudID = "0"

// Link is the minimal surface a Command must expose to its owning Change:
// something dispatchable, so AddDependent/Dispatch don't need to know the
// concrete command shape.
type Link interface {
	// Dispatch hands this command to its executor — the HTTP multiplexer for
	// cloud-side work, the local adapter for local-side work. Called once, by
	// the Change or by the previous link's completion callback.
	Dispatch()
}

// Change is the logical mutation record: one New/Update/Move/Delete
// detected on either endpoint, together with the
// command chain that carries it out and the bookkeeping needed to release
// dependent Changes once every command in the chain has finished.
type Change struct {
	ID            string
	Type          Type
	TargetPath    string
	Mtime         int64
	SourceCloudID string

	head Link

	pending atomic.Int32

	mu         sync.Mutex
	dependents []*Change
	completed  bool

	onComplete func(dependents []*Change)
}

// New constructs a Change with the given head command. onComplete is
// invoked exactly once, when the pending-command counter reaches zero,
// with a snapshot of the dependents registered so far (it is safe to call
// AddDependent after completion — see AddDependent).
func New(id string, typ Type, targetPath string, mtime int64, sourceCloudID string, head Link, onComplete func([]*Change)) *Change {
	return &Change{
		ID:            id,
		Type:          typ,
		TargetPath:    targetPath,
		Mtime:         mtime,
		SourceCloudID: sourceCloudID,
		head:          head,
		onComplete:    onComplete,
	}
}

// SetHead attaches the head command once it has been constructed. Building
// the head requires the Change to already exist (the command's owner
// pointer), so New leaves head nil and the factory sets it immediately
// afterward, before the Change is dispatched.
func (c *Change) SetHead(head Link) {
	c.head = head
}

// IncPending is called by the owner reference each time a new Command is
// constructed under this Change.
func (c *Change) IncPending() {
	c.pending.Add(1)
}

// DecPending is called when a Command's completionCallback finishes. When
// the counter transitions to zero, onComplete fires with the dependents
// accumulated so far.
func (c *Change) DecPending() {
	if c.pending.Add(-1) != 0 {
		return
	}

	c.mu.Lock()
	c.completed = true
	deps := make([]*Change, len(c.dependents))
	copy(deps, c.dependents)
	c.mu.Unlock()

	if c.onComplete != nil {
		c.onComplete(deps)
	}
}

// AddDependent registers dep to be released once this Change completes. It
// is safe to call before or after completion: if called after, and no
// further command is pending, the dependent is released immediately rather
// than silently dropped, since onComplete only fires once and must not
// miss a late-registered dependent.
func (c *Change) AddDependent(dep *Change) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		if c.onComplete != nil {
			c.onComplete([]*Change{dep})
		}
		return
	}

	c.dependents = append(c.dependents, dep)
	c.mu.Unlock()
}

// Dispatch hands the head command to its executor. The sync manager calls
// this once, when the Change is first popped from the work queue.
func (c *Change) Dispatch() {
	if c.head != nil {
		c.head.Dispatch()
	}
}

// Pending returns the current outstanding-command count, for diagnostics.
func (c *Change) Pending() int32 {
	return c.pending.Load()
}
