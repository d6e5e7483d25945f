package policy

import "strings"

// FolderRules decides which mailboxes are visible and writable for one
// account. It is the standalone form of the per-account folder ACL: the
// same allow/block/writable semantics, factored out of config so the
// gate owns the matching logic rather than the config loader.
type FolderRules struct {
	allowed  []string
	blocked  []string
	writable []string
}

// NewFolderRules builds a FolderRules from an account's folder lists.
// allowed and blocked are mutually exclusive; when both are empty every
// folder is allowed.
func NewFolderRules(allowed, blocked, writable []string) FolderRules {
	return FolderRules{allowed: allowed, blocked: blocked, writable: writable}
}

// HasFilter reports whether this account restricts folder visibility at
// all (an allow-list or a block-list is configured).
func (f FolderRules) HasFilter() bool {
	return len(f.allowed) > 0 || len(f.blocked) > 0
}

// Allowed reports whether name is visible under this account's folder
// filter.
func (f FolderRules) Allowed(name string) bool {
	if len(f.allowed) > 0 {
		return matchesAny(name, f.allowed)
	}
	if len(f.blocked) > 0 {
		return !matchesAny(name, f.blocked)
	}
	return true
}

// Writable reports whether name is in the writable-folders list.
func (f FolderRules) Writable(name string) bool {
	return matchesAny(name, f.writable)
}

func matchesAny(name string, entries []string) bool {
	for _, entry := range entries {
		if folderMatch(name, entry) {
			return true
		}
	}
	return false
}

func folderMatch(name, pattern string) bool {
	n := normalizeINBOX(name)
	p := normalizeINBOX(pattern)
	if n == p {
		return true
	}
	return strings.HasPrefix(n, p+"/") || strings.HasPrefix(n, p+".")
}

// normalizeINBOX uppercases the INBOX prefix, since INBOX is
// case-insensitive in IMAP (RFC 3501 §5.1).
func normalizeINBOX(s string) string {
	if len(s) >= 5 && strings.EqualFold(s[:5], "INBOX") {
		if len(s) == 5 || s[5] == '/' || s[5] == '.' {
			return "INBOX" + s[5:]
		}
	}
	return s
}
