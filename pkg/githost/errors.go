package githost

import (
	"errors"
	"fmt"
)

// Kind classifies host failures for retry and escalation policy.
type Kind string

// Error kinds.
const (
	// KindTransient covers retryable host I/O: network failures, 5xx, 429.
	KindTransient Kind = "transient_host"
	// KindPermanent covers 4xx responses beyond retry (except auth).
	KindPermanent Kind = "permanent_host"
	// KindAuth covers 401/403: unrecoverable without operator action.
	KindAuth Kind = "auth_failed"
)

// Error is a classified host failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: host returned HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable host failure.
func IsTransient(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == KindTransient
}

// IsAuth reports whether err is an authentication/authorization failure.
func IsAuth(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == KindAuth
}

// IsPermanent reports whether err is a non-retryable host rejection.
func IsPermanent(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == KindPermanent
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429 || status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}
