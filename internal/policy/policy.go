// Package policy implements the access-control gate: a pure decision
// function consulted once per parsed client command, before any upstream
// visibility.
package policy

// Kind is the outcome of a policy decision.
type Kind int

const (
	// KindAllow forwards the command unmodified. The zero value of
	// Decision is KindAllow.
	KindAllow Kind = iota
	KindDeny
	KindRewrite
)

// Verdict is the response keyword a Deny decision should be synthesized
// with.
type Verdict string

const (
	VerdictNO  Verdict = "NO"
	VerdictBAD Verdict = "BAD"
)

// Decision is the result of evaluating one command against policy.
type Decision struct {
	Kind    Kind
	Verdict Verdict // only meaningful when Kind == KindDeny
	Message string  // only meaningful when Kind == KindDeny

	// NewCommand/NewArgs are only meaningful when Kind == KindRewrite.
	// NewCommand empty means keep the original verb (e.g. narrowing a LIST
	// pattern); set it to substitute the verb itself (e.g. SELECT ->
	// EXAMINE), which the spec's "Rewrite(args')" gestures at but doesn't
	// name explicitly — the gate's only real rewrite case needs it.
	NewCommand string
	NewArgs    []byte
}

// Allow is the zero-value decision, forwarding a command unmodified.
var Allow = Decision{}

// Deny builds a KindDeny decision.
func Deny(verdict Verdict, message string) Decision {
	return Decision{Kind: KindDeny, Verdict: verdict, Message: message}
}

// Rewrite builds a KindRewrite decision that narrows the arguments but
// keeps the original command verb.
func Rewrite(newArgs []byte) Decision {
	return Decision{Kind: KindRewrite, NewArgs: newArgs}
}

// RewriteCommand builds a KindRewrite decision that substitutes the
// command verb as well as its arguments.
func RewriteCommand(newCommand string, newArgs []byte) Decision {
	return Decision{Kind: KindRewrite, NewCommand: newCommand, NewArgs: newArgs}
}

// Context is everything the gate is allowed to consult: it is a pure
// function of this value, never of any hidden state.
type Context struct {
	Identity        string
	Command         string
	SubVerb         string
	Args            []byte
	ClientState     string
	SelectedMailbox string
}

// Func is an injected policy decision function. The core treats it as an
// opaque collaborator; any stateful ACL bookkeeping (e.g. "only these
// ranges after SELECT INBOX") lives on the closure's side, not the core's.
type Func func(Context) Decision
