package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBinding rejects role bindings that reference both or
	// neither of principal and group.
	ErrInvalidBinding = errors.New("role binding must reference exactly one of principal or group")

	// ErrConditionDepthExceeded is returned at policy-authoring time when
	// a condition tree nests deeper than the configured bound.
	ErrConditionDepthExceeded = errors.New("condition tree exceeds maximum depth")

	// ErrUnknownOperator is returned at policy-authoring time for an
	// operator outside the closed catalog.
	ErrUnknownOperator = errors.New("unknown condition operator")

	// ErrUnknownFieldNamespace is returned at policy-authoring time for a
	// condition field outside the subject/resource/context/action catalog.
	ErrUnknownFieldNamespace = errors.New("condition field outside known namespaces")

	// ErrPrincipalNotFound is returned by directory implementations when
	// the principal does not exist.
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrNoRecordedDecision is returned by replay when the audit record
	// carries no verdict to compare against.
	ErrNoRecordedDecision = errors.New("audit record has no decision to replay")
)

// DirectoryError wraps a failed principal-directory lookup. Callers must
// treat it as "authorization indeterminate": it is never mapped to an
// implicit allow or deny.
type DirectoryError struct {
	Lookup string
	Err    error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory lookup %s: %v", e.Lookup, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

func directoryErr(lookup string, err error) error {
	if err == nil {
		return nil
	}
	return &DirectoryError{Lookup: lookup, Err: err}
}
