package vmm

import (
	"runtime"

	"memkern/kernel"
)

// FlushToken is produced by every mapper mutation and must be consumed
// exactly once, either by Flush (which invalidates the single affected
// page) or by Ignore (which the caller uses only when the mutation applied
// to an address space the MMU cannot have cached translations for). A
// token that is garbage-collected before being consumed is a programming
// bug: Go has no linear types, so the same guarantee the original design
// gets from a must-consume destructor is approximated here with a
// finalizer that panics.
type FlushToken struct {
	state *flushState
}

type flushState struct {
	page     Page
	consumed bool
}

func newFlushToken(page Page) FlushToken {
	s := &flushState{page: page}
	runtime.SetFinalizer(s, func(s *flushState) {
		if !s.consumed {
			kernel.Panic(&kernel.Error{Module: "vmm", Message: "FlushToken dropped without Flush or Ignore"})
		}
	})
	return FlushToken{state: s}
}

// Flush invalidates the TLB entry for the token's page and consumes it.
func (t FlushToken) Flush() {
	flushTLBEntryFn(t.state.page.Address())
	t.state.consumed = true
}

// Ignore discards the token without flushing. It is only safe when the
// token describes a mutation to an address space that is not the currently
// active one — the MMU cannot have cached a translation it never loaded.
func (t FlushToken) Ignore() {
	t.state.consumed = true
}

// FlushGroupToken batches zero or more FlushTokens produced while mutating
// many pages in one pass (e.g. the heap range or a stack body), issuing a single full TLB
// flush instead of one invlpg per page.
type FlushGroupToken struct {
	state *flushGroupState
}

type flushGroupState struct {
	dirty    bool
	consumed bool
}

// NewFlushGroupToken starts a new, empty flush group.
func NewFlushGroupToken() FlushGroupToken {
	s := &flushGroupState{}
	runtime.SetFinalizer(s, func(s *flushGroupState) {
		if !s.consumed {
			kernel.Panic(&kernel.Error{Module: "vmm", Message: "FlushGroupToken dropped without Flush or Ignore"})
		}
	})
	return FlushGroupToken{state: s}
}

// Consume absorbs a single token into the batch.
func (g FlushGroupToken) Consume(t FlushToken) {
	t.state.consumed = true
	g.state.dirty = true
}

// Flush issues a full TLB flush if any token was absorbed, then consumes
// the group.
func (g FlushGroupToken) Flush() {
	if g.state.dirty {
		flushTLBFn()
	}
	g.state.consumed = true
}

// Ignore discards the group without flushing (inactive address space only).
func (g FlushGroupToken) Ignore() {
	g.state.consumed = true
}
