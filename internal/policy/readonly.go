package policy

import (
	"strings"

	"ro-imap-proxy/internal/imapmsg"
)

// blockedVerbs lists IMAP verbs that mutate mailbox state and have no
// writable-folder exception: they change folder structure or message
// placement rather than message content in the currently selected
// mailbox, so an account's writable_folders list never unblocks them.
var blockedVerbs = map[string]bool{
	"COPY":         true,
	"MOVE":         true,
	"DELETE":       true,
	"EXPUNGE":      true,
	"CREATE":       true,
	"RENAME":       true,
	"SUBSCRIBE":    true,
	"UNSUBSCRIBE":  true,
	"AUTHENTICATE": true,
}

// blockedUIDSubVerbs mirrors blockedVerbs for UID sub-commands; UID STORE
// is handled separately since it does have a writable-folder exception.
var blockedUIDSubVerbs = map[string]bool{
	"COPY":    true,
	"MOVE":    true,
	"EXPUNGE": true,
}

// mailboxArgVerbs lists the verbs whose first argument is a mailbox name,
// subject to the account's folder ACL.
var mailboxArgVerbs = map[string]bool{
	"SELECT":  true,
	"EXAMINE": true,
	"STATUS":  true,
}

// ReadOnly builds the default policy: it denies every verb that mutates
// mailbox state, rewrites SELECT to EXAMINE so a client session can never
// hold a writable mailbox open, and hides any mailbox the account's folder
// rules exclude. STORE, UID STORE, APPEND, and SELECT itself carry a
// writable-folder exception (checked against the account's writable_folders
// list); every other mutating verb stays blocked regardless of it. It never
// consults hidden session state beyond Context.
func ReadOnly(folders FolderRules) Func {
	return func(ctx Context) Decision {
		if d, blocked := folderDecision(ctx, folders); blocked {
			return d
		}

		switch ctx.Command {
		case "UID":
			if ctx.SubVerb == "STORE" {
				if folders.Writable(ctx.SelectedMailbox) {
					return Allow
				}
				return Deny(VerdictNO, "UID STORE not allowed in read-only mode")
			}
			if blockedUIDSubVerbs[ctx.SubVerb] {
				return Deny(VerdictNO, "UID "+ctx.SubVerb+" not allowed in read-only mode")
			}
			return Allow

		case "STORE":
			if folders.Writable(ctx.SelectedMailbox) {
				return Allow
			}
			return Deny(VerdictNO, "STORE not allowed in read-only mode")

		case "APPEND":
			if mailbox, _, ok := imapmsg.FirstArg(ctx.Args); ok && folders.Writable(strings.Trim(mailbox, `"`)) {
				return Allow
			}
			return Deny(VerdictNO, "APPEND not allowed in read-only mode")

		case "SELECT":
			if mailbox, _, ok := imapmsg.FirstArg(ctx.Args); ok && folders.Writable(strings.Trim(mailbox, `"`)) {
				return Allow
			}
			return RewriteCommand("EXAMINE", ctx.Args)
		}

		if blockedVerbs[ctx.Command] {
			return Deny(VerdictNO, ctx.Command+" not allowed in read-only mode")
		}

		return Allow
	}
}

// folderDecision checks a mailbox-bearing command's first argument against
// the account's folder rules. The second return value reports whether the
// command should be denied outright; a false means the caller should keep
// evaluating the rest of the policy.
func folderDecision(ctx Context, folders FolderRules) (Decision, bool) {
	if !folders.HasFilter() {
		return Decision{}, false
	}
	verb := ctx.Command
	if verb == "UID" {
		return Decision{}, false
	}
	if !mailboxArgVerbs[verb] {
		return Decision{}, false
	}
	mailbox, _, ok := imapmsg.FirstArg(ctx.Args)
	if !ok || mailbox == "" {
		return Decision{}, false
	}
	mailbox = strings.Trim(mailbox, `"`)
	if folders.Allowed(mailbox) {
		return Decision{}, false
	}
	return Deny(VerdictNO, "folder not available"), true
}
