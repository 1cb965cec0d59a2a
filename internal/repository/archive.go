// Package repository defines storage and collaborator interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/rsm"
)

// ArchiveRepository provides paged lookups over archived messages.
type ArchiveRepository interface {
	// FindRecords returns the page of records described by rs, in chronological order, and
	// annotates rs with page bounds, total count and completeness. It never returns nil records
	// together with a nil error.
	FindRecords(ctx context.Context, q model.RecordQuery, rs *rsm.ResultSet, stableIDs bool) ([]model.ArchivedRecord, error)
}

// ArchiveWriter persists messages into the archive.
type ArchiveWriter interface {
	// StoreBatch inserts all messages atomically.
	StoreBatch(ctx context.Context, msgs []model.PendingMessage) error
}

// AvailabilityOracle estimates when archive writes become visible to reads.
type AvailabilityOracle interface {
	// AvailabilityETA returns the remaining wait until every write at or before cutoff is readable.
	// Zero means it is safe to read now.
	AvailabilityETA(ctx context.Context, cutoff time.Time) (time.Duration, error)
}
