// Package tagtrack allocates upstream tags and tracks in-flight IMAP
// commands, routing tagged upstream responses back to the client tag that
// originated them.
package tagtrack

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Phase describes where a ForwardedCommand is in its lifecycle.
type Phase int

const (
	PhaseIssued Phase = iota
	PhaseAwaitingContinuation
	PhaseCompleted
	PhaseCancelled
)

// ForwardedCommand records one command crossing the proxy.
type ForwardedCommand struct {
	ClientTag   []byte
	UpstreamTag []byte
	Command     string
	Args        []byte
	SubmittedAt time.Time
	Phase       Phase
}

// ErrDuplicateClientTag is returned by Bind when client_tag is already
// in flight.
var ErrDuplicateClientTag = errors.New("tagtrack: client tag already in use")

// Tracker owns one session's in-flight ForwardedCommand records, held in
// two maps keyed by client tag and by upstream tag. All single-record operations are
// O(1); bind/complete/cancel are serialized under a single mutex so the two
// indices can never observe an inconsistent view of each other.
type Tracker struct {
	mu        sync.Mutex
	counter   uint64
	byClient  map[string]*ForwardedCommand
	byUp      map[string]*ForwardedCommand
	cancelled map[string]bool
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		byClient:  make(map[string]*ForwardedCommand),
		byUp:      make(map[string]*ForwardedCommand),
		cancelled: make(map[string]bool),
	}
}

// Allocate mints a new upstream tag. Tags are monotonically increasing
// within a session and are never reused, even after their record retires.
func (t *Tracker) Allocate() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	return []byte(fmt.Sprintf("P%04d", t.counter))
}

// Bind registers a new in-flight command. Fails with ErrDuplicateClientTag
// if client_tag currently has a non-terminal record.
func (t *Tracker) Bind(clientTag, upstreamTag []byte, command string, args []byte) (*ForwardedCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ck := string(clientTag)
	if _, inFlight := t.byClient[ck]; inFlight {
		return nil, ErrDuplicateClientTag
	}

	cmd := &ForwardedCommand{
		ClientTag:   append([]byte(nil), clientTag...),
		UpstreamTag: append([]byte(nil), upstreamTag...),
		Command:     command,
		Args:        args,
		SubmittedAt: time.Now(),
		Phase:       PhaseIssued,
	}
	t.byClient[ck] = cmd
	t.byUp[string(upstreamTag)] = cmd
	return cmd, nil
}

// LookupByClient returns the in-flight record for clientTag, if any.
func (t *Tracker) LookupByClient(clientTag []byte) *ForwardedCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byClient[string(clientTag)]
}

// LookupByUpstream returns the in-flight record for upstreamTag, if any.
func (t *Tracker) LookupByUpstream(upstreamTag []byte) *ForwardedCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byUp[string(upstreamTag)]
}

// Complete removes and returns the record for upstreamTag, marking it
// terminal via a tagged final response. Returns nil if absent (e.g. the
// command was already cancelled).
func (t *Tracker) Complete(upstreamTag []byte) *ForwardedCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	uk := string(upstreamTag)
	cmd, ok := t.byUp[uk]
	if !ok {
		return nil
	}
	cmd.Phase = PhaseCompleted
	delete(t.byUp, uk)
	delete(t.byClient, string(cmd.ClientTag))
	return cmd
}

// Cancel removes and returns the record for clientTag without completing
// it (timeout, disconnect, or denied rewrite). The upstream tag is
// remembered as cancelled so a late tagged response arriving for it can be
// told apart from a genuinely unrecognized tag; WasCancelled consumes that
// memory the first time it is asked.
func (t *Tracker) Cancel(clientTag []byte) *ForwardedCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	ck := string(clientTag)
	cmd, ok := t.byClient[ck]
	if !ok {
		return nil
	}
	cmd.Phase = PhaseCancelled
	delete(t.byClient, ck)
	delete(t.byUp, string(cmd.UpstreamTag))
	t.cancelled[string(cmd.UpstreamTag)] = true
	return cmd
}

// WasCancelled reports whether upstreamTag belonged to a command that was
// cancelled rather than completed, and forgets it (one-shot: the late
// response it's asked about is the only one that will ever arrive for it).
func (t *Tracker) WasCancelled(upstreamTag []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	uk := string(upstreamTag)
	if !t.cancelled[uk] {
		return false
	}
	delete(t.cancelled, uk)
	return true
}

// Drain clears every in-flight record and returns how many were cleared,
// for diagnostics during session teardown.
func (t *Tracker) Drain() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.byClient)
	t.byClient = make(map[string]*ForwardedCommand)
	t.byUp = make(map[string]*ForwardedCommand)
	t.cancelled = make(map[string]bool)
	return n
}

// InFlight returns a snapshot of all currently in-flight records, ordered
// by submission order, for submission-ordered bulk synthesis (e.g. on
// upstream disconnect, spec.md S5).
func (t *Tracker) InFlight() []*ForwardedCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ForwardedCommand, 0, len(t.byClient))
	for _, cmd := range t.byClient {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}
