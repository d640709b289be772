package fragment

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the backing fragment store cannot be reached.
// Callers fail the enclosing operation atomically; retrying is the
// collaborator's responsibility.
var ErrUnavailable = errors.New("fragment source unavailable")

// Source supplies ordered plain-text fragments for an act version or a
// document. Implementations never parse source file formats themselves.
type Source interface {
	ListFragments(ctx context.Context, kind OwnerKind, ownerID string) ([]Fragment, error)
}
