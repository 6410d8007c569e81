// Package errs defines the error taxonomy every stage and the
// orchestrator branch on: a small Kind enum plus a wrapping type,
// rather than a generic error-code package.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Configuration   Kind = "Configuration"
	Authentication  Kind = "Authentication"
	TransientRemote Kind = "TransientRemote"
	MalformedResponse Kind = "MalformedResponse"
	DataIntegrity   Kind = "DataIntegrity"
	Unexpected      Kind = "Unexpected"
)

// Classified wraps an underlying cause with a taxonomy Kind so callers
// can branch with errors.As instead of string matching.
type Classified struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, cause error) *Classified {
	return &Classified{Kind: kind, Cause: cause}
}

func (e *Classified) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Classified) Unwrap() error { return e.Cause }

// KindOf extracts the Kind from err, defaulting to Unexpected when err
// is not a *Classified.
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return Unexpected
}
