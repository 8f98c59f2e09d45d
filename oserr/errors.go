// Package oserr defines the typed error kinds raised by the transport core.
//
// Every kind in this package corresponds to a row in the error table of the
// transport specification: BrokerUnreachable, BrokerReplyError, BadAddress,
// MalformedEnvelope, Timeout, NotReady, ConfigInvalid. Callers should use
// errors.Is against the sentinel Kind values, not string matching.
package oserr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the transport core raises.
type Kind int

const (
	_ Kind = iota
	KindBrokerUnreachable
	KindBrokerReplyError
	KindBadAddress
	KindMalformedEnvelope
	KindTimeout
	KindNotReady
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindBrokerUnreachable:
		return "BrokerUnreachable"
	case KindBrokerReplyError:
		return "BrokerReplyError"
	case KindBadAddress:
		return "BadAddress"
	case KindMalformedEnvelope:
		return "MalformedEnvelope"
	case KindTimeout:
		return "Timeout"
	case KindNotReady:
		return "NotReady"
	case KindConfigInvalid:
		return "ConfigInvalid"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can classify
// failures without parsing message text.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, oserr.BrokerUnreachable) style matching against
// the bare sentinel kind values below.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (s *kindSentinel) Error() string { return s.kind.String() }

// Sentinels usable with errors.Is(err, oserr.BrokerUnreachable).
var (
	BrokerUnreachable = &kindSentinel{KindBrokerUnreachable}
	BrokerReplyError  = &kindSentinel{KindBrokerReplyError}
	BadAddress        = &kindSentinel{KindBadAddress}
	MalformedEnvelope = &kindSentinel{KindMalformedEnvelope}
	Timeout           = &kindSentinel{KindTimeout}
	NotReady          = &kindSentinel{KindNotReady}
	ConfigInvalid     = &kindSentinel{KindConfigInvalid}
)

// New builds an *Error of the given kind, wrapping cause (which may be nil).
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}
