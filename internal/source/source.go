// Package source resolves and materializes source snapshots.
package source

import (
	"context"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// Provider supplies snapshots of a tracked repository.
type Provider interface {
	// Resolve returns the snapshot at revision, or at the head of the
	// repository branch when revision is empty.
	Resolve(ctx context.Context, repo domain.Repository, revision string) (domain.SourceSnapshot, error)
	// Fetch writes the snapshot's tree into dest, which must be empty.
	Fetch(ctx context.Context, snapshot domain.SourceSnapshot, dest string) error
}
