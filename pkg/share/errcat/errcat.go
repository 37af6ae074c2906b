// Package errcat reconstructs the teacher's error-category idiom
// (seen as errcat.User.New(...) and errcat.FromResult in
// pkg/client/cli/mount/flags.go and pkg/client/cli/docker/runner.go) for
// the §7 error-kind list. Each kind is a Category value; Category.New
// wraps an underlying error with routing metadata, and Category.Terminal
// reports whether the retry loop must not retry it within an episode.
package errcat

import (
	"errors"
	"fmt"
)

// Category is a named error kind from spec.md §7.
type Category string

const (
	ServerUnreachable             Category = "ServerUnreachable"
	AuthFailed                    Category = "AuthFailed"
	MountPathInvalid              Category = "MountPathInvalid"
	MountFailed                   Category = "MountFailed"
	UnmountFailed                 Category = "UnmountFailed"
	TimeoutExceeded               Category = "TimeoutExceeded"
	VPNRequired                   Category = "VPNRequired"
	QuotaExceeded                 Category = "QuotaExceeded"
	PermissionDenied              Category = "PermissionDenied"
	AlreadyMounted                Category = "AlreadyMounted"
	ShareAlreadyMountedElsewhere  Category = "ShareAlreadyMountedElsewhere"
	NotMounted                    Category = "NotMounted"
	StaleMount                    Category = "StaleMount"
	NetworkUnavailable            Category = "NetworkUnavailable"
	AuthRequired                  Category = "AuthRequired"
	CredentialNotFound            Category = "CredentialNotFound"
	Internal                      Category = "Internal"
)

// terminalCategories form the authentication family: AuthFailed,
// AuthRequired, CredentialNotFound, PermissionDenied. The episode loop
// does not retry them.
var terminalCategories = map[Category]bool{
	AuthFailed:         true,
	AuthRequired:       true,
	CredentialNotFound: true,
	PermissionDenied:   true,
}

// Terminal reports whether this category is in the authentication
// family and must not be retried within the same mount episode.
func (c Category) Terminal() bool {
	return terminalCategories[c]
}

// CategorizedError pairs a Category with the underlying error and, for
// ShareAlreadyMountedElsewhere and MountPathInvalid, a detail string
// (the conflicting path, or the invalidity reason).
type CategorizedError struct {
	category Category
	detail   string
	err      error
}

func (e *CategorizedError) Error() string {
	if e.err == nil {
		if e.detail != "" {
			return fmt.Sprintf("%s: %s", e.category, e.detail)
		}
		return string(e.category)
	}
	if e.detail != "" {
		return fmt.Sprintf("%s: %s: %v", e.category, e.detail, e.err)
	}
	return fmt.Sprintf("%s: %v", e.category, e.err)
}

func (e *CategorizedError) Unwrap() error { return e.err }

// Category returns the category this error was constructed with.
func (e *CategorizedError) Category() Category { return e.category }

// Detail returns the free-form detail attached at construction (the
// conflicting mount path for ShareAlreadyMountedElsewhere, the reason for
// MountPathInvalid); it is empty for errors built with New or Newf.
func (e *CategorizedError) Detail() string { return e.detail }

// New wraps err under this category with no extra detail.
func (c Category) New(err error) *CategorizedError {
	return &CategorizedError{category: c, err: err}
}

// Newf wraps a formatted message, as the underlying error, under this
// category with no extra detail.
func (c Category) Newf(format string, args ...any) *CategorizedError {
	return &CategorizedError{category: c, err: fmt.Errorf(format, args...)}
}

// WithDetail wraps err under this category carrying a structured detail
// string, used for ShareAlreadyMountedElsewhere(path) and
// MountPathInvalid(reason).
func (c Category) WithDetail(detail string, err error) *CategorizedError {
	return &CategorizedError{category: c, detail: detail, err: err}
}

// Of returns the Category of err if it (or something it wraps) is a
// *CategorizedError, and ok=false otherwise.
func Of(err error) (cat Category, ok bool) {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.category, true
	}
	return "", false
}

// Is reports whether err is categorized as cat.
func Is(err error, cat Category) bool {
	got, ok := Of(err)
	return ok && got == cat
}

// IsTerminal reports whether err is categorized under a terminal
// (authentication-family) category.
func IsTerminal(err error) bool {
	cat, ok := Of(err)
	return ok && cat.Terminal()
}

// Hint returns the human recovery hint for a category, per §7, or "" if
// none is defined.
func (c Category) Hint() string {
	switch c {
	case VPNRequired:
		return "Connect to VPN and try again"
	case AuthFailed, AuthRequired:
		return "Check the saved credentials and try again"
	case CredentialNotFound:
		return "No saved credentials were found; add them and try again"
	case ServerUnreachable, NetworkUnavailable:
		return "Check your network connection and that the server is reachable"
	default:
		return ""
	}
}

// Describe returns a one-line human description of err, including its
// recovery hint when one exists. ShareAlreadyMountedElsewhere's detail
// (the conflicting path) is folded into the description as the spec's
// "The share is already mounted at p" example shows.
func Describe(err error) string {
	ce, ok := err.(*CategorizedError)
	if !ok {
		return err.Error()
	}
	switch ce.category {
	case ShareAlreadyMountedElsewhere:
		return fmt.Sprintf("The share is already mounted at %s", ce.detail)
	case MountPathInvalid:
		return fmt.Sprintf("Mount path is invalid: %s", ce.detail)
	default:
		msg := string(ce.category)
		if ce.err != nil {
			msg = ce.err.Error()
		}
		if hint := ce.category.Hint(); hint != "" {
			return fmt.Sprintf("%s (%s)", msg, hint)
		}
		return msg
	}
}
