// Package imapmsg parses one client line into a tag/command/arguments
// triple and classifies upstream response lines.
package imapmsg

import (
	"bytes"
	"errors"
	"strings"

	"ro-imap-proxy/internal/imapwire"
)

// Command is a parsed client command line.
type Command struct {
	Tag     string // e.g. "A001"; empty for the tagless "DONE"
	Verb    string // uppercased, e.g. "SELECT", "UID"
	SubVerb string // for UID commands: "FETCH", "STORE", etc.
	Args    []byte // everything after "tag verb[ subverb]"; nil if absent
	Raw     []byte // the original line, CRLF and any spliced literal octets included
}

var (
	ErrEmptyLine   = errors.New("imapmsg: empty line")
	ErrMissingTag  = errors.New("imapmsg: missing tag")
	ErrMissingVerb = errors.New("imapmsg: missing verb")
)

// ParseCommand parses a framed client Line into a Command. Quoted strings,
// atoms, and literal octets in Args are preserved byte-exactly; the parser
// does not attempt to decompose them further.
func ParseCommand(line imapwire.Line) (Command, error) {
	raw := line.Raw
	if len(raw) == 0 {
		return Command{}, ErrEmptyLine
	}

	data := bytes.TrimRight(raw, "\r\n")
	if len(data) == 0 {
		return Command{}, ErrEmptyLine
	}

	spIdx := bytes.IndexByte(data, ' ')
	if spIdx < 0 {
		if strings.EqualFold(string(data), "DONE") {
			return Command{Verb: "DONE", Raw: raw}, nil
		}
		return Command{}, ErrMissingVerb
	}

	tag := string(data[:spIdx])
	if tag == "" {
		return Command{}, ErrMissingTag
	}

	rest := data[spIdx+1:]
	if len(rest) == 0 {
		return Command{}, ErrMissingVerb
	}

	sp2 := bytes.IndexByte(rest, ' ')
	var verb string
	var argsStart int
	if sp2 < 0 {
		verb = string(rest)
		argsStart = len(data)
	} else {
		verb = string(rest[:sp2])
		argsStart = spIdx + 1 + sp2 + 1
	}
	verb = strings.ToUpper(verb)
	if verb == "" {
		return Command{}, ErrMissingVerb
	}

	cmd := Command{Tag: tag, Verb: verb, Raw: raw}

	if verb == "UID" && argsStart < len(data) {
		afterVerb := data[argsStart:]
		sp3 := bytes.IndexByte(afterVerb, ' ')
		var subVerb string
		if sp3 < 0 {
			subVerb = string(afterVerb)
			argsStart = len(data)
		} else {
			subVerb = string(afterVerb[:sp3])
			argsStart += sp3 + 1
		}
		cmd.SubVerb = strings.ToUpper(subVerb)
	}

	if argsStart < len(raw) {
		args := bytes.TrimRight(raw[argsStart:], "\r\n")
		if len(args) > 0 {
			cmd.Args = args
		}
	}

	return cmd, nil
}

// StateChanging reports whether a successful completion of verb should
// update the session's client_state / selected_mailbox, per the commands
// named in the policy gate contract.
func StateChanging(verb string) bool {
	switch verb {
	case "LOGIN", "AUTHENTICATE", "SELECT", "EXAMINE", "CLOSE", "UNSELECT", "LOGOUT":
		return true
	default:
		return false
	}
}

// FirstArg extracts the first space- or quote-delimited token from args,
// handling a leading quoted string. Used to pull a mailbox name out of
// SELECT/EXAMINE/STATUS arguments without a full IMAP grammar.
func FirstArg(args []byte) (token string, rest []byte, ok bool) {
	args = bytes.TrimLeft(args, " ")
	if len(args) == 0 {
		return "", nil, false
	}
	if args[0] == '"' {
		var b strings.Builder
		i := 1
		for i < len(args) {
			if args[i] == '\\' && i+1 < len(args) && args[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			if args[i] == '"' {
				return b.String(), bytes.TrimPrefix(args[i+1:], []byte(" ")), true
			}
			b.WriteByte(args[i])
			i++
		}
		return "", nil, false
	}
	idx := bytes.IndexByte(args, ' ')
	if idx < 0 {
		return string(args), nil, true
	}
	return string(args[:idx]), args[idx+1:], true
}
