// Package channels tracks the channel memberships of one panel client session.
//
// Registry is a plain state table. It performs no I/O and holds no lock: the
// session that owns it serializes every call under its own lock and issues the
// network requests the registry asks for.
package channels

import (
	"sort"

	"github.com/go-go-golems/panel/pkg/dispatch"
)

type MembershipState = dispatch.MembershipState

type entry struct {
	state MembershipState

	join   *Pending
	queued bool

	leave *Pending
	// leaveAfterJoin is set when a leave arrives while the join request is
	// already on the wire; the leave is issued once the join settles.
	leaveAfterJoin *Pending
	// rejoin is set when a join arrives while a leave is on the wire.
	rejoin *Pending
}

type Registry struct {
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// BeginJoin records a join attempt. issue reports whether the caller must send
// the join request now. When online is false the join is queued until
// TakeQueued. Joins to a channel that is already joining share one Pending.
func (r *Registry) BeginJoin(id string, online bool) (p *Pending, issue bool) {
	e, ok := r.entries[id]
	if !ok {
		e = &entry{state: dispatch.NotJoined}
		r.entries[id] = e
	}

	switch e.state {
	case dispatch.Joined:
		return Resolved(nil), false
	case dispatch.Joining:
		if e.leaveAfterJoin != nil {
			e.leaveAfterJoin.Resolve(ErrCancelled)
			e.leaveAfterJoin = nil
		}
		return e.join, false
	case dispatch.LeavingChannel:
		if e.rejoin == nil {
			e.rejoin = NewPending()
		}
		return e.rejoin, false
	}

	e.state = dispatch.Joining
	e.join = NewPending()
	e.queued = !online
	return e.join, online
}

// TakeQueued returns the channels whose joins were waiting for the session to
// come online, in sorted order, and marks them as issued.
func (r *Registry) TakeQueued() []string {
	var ids []string
	for id, e := range r.entries {
		if e.state == dispatch.Joining && e.queued {
			e.queued = false
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Requeue parks a joining channel until the next TakeQueued, for joins that
// became due while the session was not online.
func (r *Registry) Requeue(id string) {
	if e, ok := r.entries[id]; ok && e.state == dispatch.Joining {
		e.queued = true
	}
}

// JoinOutcome describes what CompleteJoin did.
type JoinOutcome struct {
	State MembershipState
	// Changed is true when the settled membership flipped to Joined.
	Changed bool
	// IssueLeave asks the caller to send the leave that arrived mid-join.
	IssueLeave bool
	// Left is true when a failed join also settled the leave that arrived
	// mid-join and the entry is gone.
	Left bool
}

// CompleteJoin settles an issued join. A failed join keeps the entry as
// NotJoined so the caller can retry.
func (r *Registry) CompleteJoin(id string, err error) JoinOutcome {
	e, ok := r.entries[id]
	if !ok || e.state != dispatch.Joining || e.queued {
		return JoinOutcome{State: r.State(id)}
	}

	if err != nil {
		e.state = dispatch.NotJoined
		e.join.Resolve(&JoinError{ChannelID: id, Err: err})
		e.join = nil
		if e.leaveAfterJoin != nil {
			e.leaveAfterJoin.Resolve(nil)
			e.leaveAfterJoin = nil
			delete(r.entries, id)
			return JoinOutcome{State: dispatch.NotJoined, Left: true}
		}
		return JoinOutcome{State: dispatch.NotJoined}
	}

	e.state = dispatch.Joined
	e.join.Resolve(nil)
	e.join = nil
	if e.leaveAfterJoin != nil {
		e.state = dispatch.LeavingChannel
		e.leave = e.leaveAfterJoin
		e.leaveAfterJoin = nil
		return JoinOutcome{State: dispatch.LeavingChannel, Changed: true, IssueLeave: true}
	}
	return JoinOutcome{State: dispatch.Joined, Changed: true}
}

// BeginLeave records a leave. issue reports whether the caller must send the
// leave request now. When online is false there is no session to leave from
// and the entry resolves locally.
func (r *Registry) BeginLeave(id string, online bool) (p *Pending, issue bool) {
	e, ok := r.entries[id]
	if !ok {
		return Resolved(nil), false
	}

	switch e.state {
	case dispatch.NotJoined:
		delete(r.entries, id)
		return Resolved(nil), false
	case dispatch.Joining:
		if e.queued || !online {
			e.join.Resolve(ErrCancelled)
			delete(r.entries, id)
			return Resolved(nil), false
		}
		if e.leaveAfterJoin == nil {
			e.leaveAfterJoin = NewPending()
		}
		return e.leaveAfterJoin, false
	case dispatch.LeavingChannel:
		if e.rejoin != nil {
			e.rejoin.Resolve(ErrCancelled)
			e.rejoin = nil
		}
		return e.leave, false
	}

	if !online {
		delete(r.entries, id)
		return Resolved(nil), false
	}
	e.state = dispatch.LeavingChannel
	e.leave = NewPending()
	return e.leave, true
}

// LeaveOutcome describes what CompleteLeave did.
type LeaveOutcome struct {
	State MembershipState
	// Changed is true when the settled membership flipped to NotJoined.
	Changed bool
	// IssueJoin asks the caller to send the join that arrived mid-leave.
	IssueJoin bool
}

// CompleteLeave settles an issued leave. On success the entry is removed; on
// failure it goes back to Joined so the caller can retry.
func (r *Registry) CompleteLeave(id string, err error) LeaveOutcome {
	e, ok := r.entries[id]
	if !ok || e.state != dispatch.LeavingChannel {
		return LeaveOutcome{State: r.State(id)}
	}

	if err != nil {
		e.state = dispatch.Joined
		e.leave.Resolve(&LeaveError{ChannelID: id, Err: err})
		e.leave = nil
		if e.rejoin != nil {
			e.rejoin.Resolve(nil)
			e.rejoin = nil
		}
		return LeaveOutcome{State: dispatch.Joined}
	}

	e.leave.Resolve(nil)
	e.leave = nil
	if e.rejoin != nil {
		e.state = dispatch.Joining
		e.join = e.rejoin
		e.rejoin = nil
		return LeaveOutcome{State: dispatch.Joining, Changed: true, IssueJoin: true}
	}
	delete(r.entries, id)
	return LeaveOutcome{State: dispatch.NotJoined, Changed: true}
}

// DropAll clears every membership, as when the session is lost or destroyed.
// Pending joins fail with a JoinError wrapping reason. Pending leaves succeed
// since there is nothing left to leave. It returns the channels whose settled
// state was Joined (or leaving), sorted.
func (r *Registry) DropAll(reason error) []string {
	var dropped []string
	for id, e := range r.entries {
		if e.state == dispatch.Joined || e.state == dispatch.LeavingChannel {
			dropped = append(dropped, id)
		}
		if e.join != nil {
			e.join.Resolve(&JoinError{ChannelID: id, Err: reason})
		}
		if e.rejoin != nil {
			e.rejoin.Resolve(&JoinError{ChannelID: id, Err: reason})
		}
		if e.leave != nil {
			e.leave.Resolve(nil)
		}
		if e.leaveAfterJoin != nil {
			e.leaveAfterJoin.Resolve(nil)
		}
	}
	r.entries = map[string]*entry{}
	sort.Strings(dropped)
	return dropped
}

func (r *Registry) State(id string) MembershipState {
	if e, ok := r.entries[id]; ok {
		return e.state
	}
	return dispatch.NotJoined
}

// Has reports whether an entry exists for id, in any state.
func (r *Registry) Has(id string) bool {
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// Active reports whether any channel is joining, joined, or leaving.
func (r *Registry) Active() bool {
	for _, e := range r.entries {
		if e.state != dispatch.NotJoined {
			return true
		}
	}
	return false
}

func (r *Registry) Snapshot() map[string]MembershipState {
	out := make(map[string]MembershipState, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.state
	}
	return out
}
