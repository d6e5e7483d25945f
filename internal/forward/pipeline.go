// Package forward implements the forwarding pipeline: the component that
// turns one parsed client command into a bound, tagged upstream command,
// and turns one upstream response line into client-visible output plus
// session-state signals.
package forward

import (
	"bytes"
	"fmt"
	"sync"

	"ro-imap-proxy/internal/imapmsg"
	"ro-imap-proxy/internal/policy"
	"ro-imap-proxy/internal/tagtrack"
)

// Writer is the minimal socket-write surface the pipeline needs; satisfied
// by *imapwire.Writer.
type Writer interface {
	WriteLine([]byte) error
	WriteRaw([]byte) error
}

// SessionView is the slice of session state the pipeline passes to the
// policy gate. It never mutates this; the supervisor owns the fields.
type SessionView struct {
	Identity        string
	ClientState     string
	SelectedMailbox string
}

// RouteResult reports what RouteResponse did with one upstream line.
type RouteResult int

const (
	PassedThrough RouteResult = iota
	CompletedOne
	UnknownTag
	Suppressed
)

// StateEventKind classifies a signal RouteResponse extracted from an
// untagged or tagged upstream line, for the session supervisor to act on.
type StateEventKind int

const (
	EventNone StateEventKind = iota
	EventBye
	EventCapability
	EventExists
	EventRecent
	EventCommandCompleted
)

// StateEvent is delivered to Pipeline.OnStateChange. Command and Verdict
// are only set for EventCommandCompleted.
type StateEvent struct {
	Kind         StateEventKind
	Capabilities []string
	Count        int
	Text         string
	Command      *tagtrack.ForwardedCommand
	Verdict      string
}

// Pipeline is the forwarding core: one instance per session, shared
// between the client-reading goroutine (Dispatch) and the upstream-reading
// goroutine (RouteResponse).
type Pipeline struct {
	Tracker *tagtrack.Tracker
	Policy  policy.Func
	Folders policy.FolderRules

	OnStateChange func(StateEvent)

	mu              sync.Mutex
	activeListTag   string // upstream tag of the in-flight LIST/LSUB being filtered, if any
}

// Dispatch implements the client->upstream contract: consult the policy
// gate, synthesize a local NO/BAD on Deny, allocate+bind+send on
// Allow/Rewrite. forwarded reports whether the command reached the
// upstream socket at all.
func (p *Pipeline) Dispatch(cmd imapmsg.Command, view SessionView, w Writer) (forwarded bool, err error) {
	ctx := policy.Context{
		Identity:        view.Identity,
		Command:         cmd.Verb,
		SubVerb:         cmd.SubVerb,
		Args:            cmd.Args,
		ClientState:     view.ClientState,
		SelectedMailbox: view.SelectedMailbox,
	}

	var decision policy.Decision
	if p.Policy != nil {
		decision = p.Policy(ctx)
	}

	if decision.Kind == policy.KindDeny {
		verdict := decision.Verdict
		if verdict == "" {
			verdict = policy.VerdictNO
		}
		return false, writeTagged(w, cmd.Tag, string(verdict), decision.Message)
	}

	verb := cmd.Verb
	args := cmd.Args
	if decision.Kind == policy.KindRewrite {
		if decision.NewCommand != "" {
			verb = decision.NewCommand
		}
		args = decision.NewArgs
	}

	upstreamTag := p.Tracker.Allocate()
	record, err := p.Tracker.Bind([]byte(cmd.Tag), upstreamTag, effectiveCommandName(verb, cmd.SubVerb), args)
	if err != nil {
		return false, writeTagged(w, cmd.Tag, string(policy.VerdictBAD), "Command tag already in use")
	}

	if p.Folders.HasFilter() && (verb == "LIST" || verb == "LSUB") {
		p.mu.Lock()
		p.activeListTag = string(upstreamTag)
		p.mu.Unlock()
	}

	line := assembleCommand(upstreamTag, verb, cmd.SubVerb, args)
	if err := w.WriteRaw(line); err != nil {
		p.Tracker.Cancel([]byte(cmd.Tag))
		return false, err
	}
	_ = record
	return true, nil
}

// RouteResponse implements the upstream->client contract: continuations
// and untagged lines pass through verbatim (after being inspected for
// session-level events and, for LIST/LSUB, folder-hidden mailboxes);
// tagged lines are rewritten from upstream tag back to client tag.
func (p *Pipeline) RouteResponse(line []byte, w Writer) (RouteResult, error) {
	switch imapmsg.ClassifyResponse(line) {
	case imapmsg.Continuation:
		return PassedThrough, w.WriteRaw(line)

	case imapmsg.Untagged:
		p.emitEvent(line)
		if p.shouldSuppressListing(line) {
			return Suppressed, nil
		}
		return PassedThrough, w.WriteRaw(line)

	default: // Tagged
		upTag, rest, ok := imapmsg.SplitTagged(line)
		if !ok {
			return PassedThrough, w.WriteRaw(line)
		}
		record := p.Tracker.Complete(upTag)
		if record == nil {
			if p.Tracker.WasCancelled(upTag) {
				return Suppressed, nil
			}
			return UnknownTag, w.WriteRaw(line)
		}

		p.mu.Lock()
		if p.activeListTag == string(upTag) {
			p.activeListTag = ""
		}
		p.mu.Unlock()

		if p.OnStateChange != nil {
			p.OnStateChange(StateEvent{
				Kind:    EventCommandCompleted,
				Command: record,
				Verdict: firstToken(rest),
			})
		}

		out := append(append([]byte(nil), record.ClientTag...), ' ')
		out = append(out, rest...)
		return CompletedOne, w.WriteRaw(out)
	}
}

func (p *Pipeline) emitEvent(line []byte) {
	if p.OnStateChange == nil {
		return
	}
	ev, ok := imapmsg.ParseUntaggedEvent(line)
	if !ok {
		return
	}
	var kind StateEventKind
	switch ev.Kind {
	case imapmsg.EventBye:
		kind = EventBye
	case imapmsg.EventCapability:
		kind = EventCapability
	case imapmsg.EventExists:
		kind = EventExists
	case imapmsg.EventRecent:
		kind = EventRecent
	default:
		return
	}
	p.OnStateChange(StateEvent{Kind: kind, Capabilities: ev.Capabilities, Count: ev.Count, Text: ev.Text})
}

// shouldSuppressListing reports whether an untagged LIST/LSUB line names a
// mailbox the active account's folder rules hide from the client.
func (p *Pipeline) shouldSuppressListing(line []byte) bool {
	if !p.Folders.HasFilter() {
		return false
	}
	p.mu.Lock()
	active := p.activeListTag != ""
	p.mu.Unlock()
	if !active {
		return false
	}
	mailbox, ok := imapmsg.ParseListResponse(line)
	if !ok {
		return false
	}
	return !p.Folders.Allowed(mailbox)
}

func effectiveCommandName(verb, subVerb string) string {
	if verb == "UID" && subVerb != "" {
		return "UID " + subVerb
	}
	return verb
}

func assembleCommand(upstreamTag []byte, verb, subVerb string, args []byte) []byte {
	var buf bytes.Buffer
	buf.Write(upstreamTag)
	buf.WriteByte(' ')
	buf.WriteString(verb)
	if verb == "UID" && subVerb != "" {
		buf.WriteByte(' ')
		buf.WriteString(subVerb)
	}
	if len(args) > 0 {
		buf.WriteByte(' ')
		buf.Write(args)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func writeTagged(w Writer, tag, verdict, message string) error {
	return w.WriteLine([]byte(fmt.Sprintf("%s %s %s", tag, verdict, message)))
}

func firstToken(rest []byte) string {
	idx := bytes.IndexByte(rest, ' ')
	if idx < 0 {
		return string(bytes.TrimRight(rest, "\r\n"))
	}
	return string(rest[:idx])
}
