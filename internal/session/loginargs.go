package session

import (
	"fmt"
	"strings"
)

// parseLoginArgs parses the arguments to a LOGIN command: "user pass",
// `"user" "pass"`, `"user with spaces" pass`, and so on. Ported from the
// teacher's Session.parseLoginArgs, adjusted to take imapmsg.Command.Args
// (already split from "tag LOGIN ") rather than re-splitting a raw line.
func parseLoginArgs(args string) (user, pass string, err error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", "", fmt.Errorf("empty LOGIN args")
	}

	user, rest, err := parseOneArg(args)
	if err != nil {
		return "", "", fmt.Errorf("parsing username: %w", err)
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", fmt.Errorf("missing password")
	}

	pass, _, err = parseOneArg(rest)
	if err != nil {
		return "", "", fmt.Errorf("parsing password: %w", err)
	}

	return user, pass, nil
}

// parseOneArg extracts one token from s, handling quoted strings, and
// returns the token value plus the remaining string.
func parseOneArg(s string) (token, rest string, err error) {
	if s[0] == '"' {
		var b strings.Builder
		i := 1
		for i < len(s) {
			if s[i] == '\\' && i+1 < len(s) && s[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			if s[i] == '"' {
				return b.String(), s[i+1:], nil
			}
			b.WriteByte(s[i])
			i++
		}
		return "", "", fmt.Errorf("unterminated quoted string")
	}

	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, "", nil
	}
	return s[:idx], s[idx+1:], nil
}
