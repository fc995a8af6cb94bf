package validation

import (
	"errors"
	"strings"
)

// ErrRepoEmpty is returned when the repository field is empty after trim.
var ErrRepoEmpty = errors.New("repo is required")

// ErrRepoInvalid is returned when the repository is not of the form owner/name.
var ErrRepoInvalid = errors.New("repo must be owner/name")

// ErrRefEmpty is returned when the ref field is empty after trim.
var ErrRefEmpty = errors.New("ref is required")

// ErrRefInvalid is returned when the ref is not a fully-qualified branch or tag ref.
var ErrRefInvalid = errors.New("ref must start with refs/heads/ or refs/tags/")

// ErrSHAInvalid is returned when the head SHA is not 7-64 hex characters.
var ErrSHAInvalid = errors.New("headSha must be 7-64 hex characters")

// ErrEventName is returned when the event name is not push or pull_request.
var ErrEventName = errors.New("name must be push or pull_request")

// ErrBaseBranchEmpty is returned when a pull_request event omits the target branch.
var ErrBaseBranchEmpty = errors.New("baseBranch is required for pull_request events")

// ValidateRepo trims the input and enforces the owner/name shape with
// non-empty segments restricted to letters, digits, dot, underscore, hyphen.
// Returns the trimmed string or an error suitable for 400 INVALID_EVENT responses.
func ValidateRepo(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrRepoEmpty
	}
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", ErrRepoInvalid
	}
	for _, seg := range []string{owner, name} {
		for _, c := range seg {
			if !isAllowedRepoRune(c) {
				return "", ErrRepoInvalid
			}
		}
	}
	return s, nil
}

// ValidateRef trims the input and requires a fully-qualified git ref
// (refs/heads/<branch> or refs/tags/<tag>) with a non-empty final segment.
func ValidateRef(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrRefEmpty
	}
	rest, ok := cutRefPrefix(s)
	if !ok || rest == "" {
		return "", ErrRefInvalid
	}
	return s, nil
}

// BranchFromRef extracts the branch name from a refs/heads/ ref.
// Returns "" for non-branch refs.
func BranchFromRef(ref string) string {
	if rest, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return rest
	}
	return ""
}

// ValidateSHA trims the input and enforces 7-64 hex characters.
func ValidateSHA(input string) (string, error) {
	s := strings.TrimSpace(input)
	n := len(s)
	if n < 7 || n > 64 {
		return "", ErrSHAInvalid
	}
	for _, c := range s {
		if !isHexRune(c) {
			return "", ErrSHAInvalid
		}
	}
	return s, nil
}

func cutRefPrefix(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "refs/heads/"); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(s, "refs/tags/"); ok {
		return rest, true
	}
	return "", false
}

func isAllowedRepoRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '.', '_', '-':
		return true
	}
	return false
}

func isHexRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		return true
	}
	return false
}
