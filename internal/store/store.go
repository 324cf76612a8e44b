package store

import (
	"context"
	"time"

	"github.com/0019-KDU/online-lab-env/internal/session"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
)

var (
	// ErrNotFound is returned when no record matches
	ErrNotFound = laberrors.NewNotFoundError("session not found")
	// ErrStaleTransition is returned when a conditional update lost a race:
	// the record was no longer in any of the expected statuses.
	ErrStaleTransition = laberrors.NewError(laberrors.ErrorTypeConflict, "session changed concurrently").Build()
)

// Store persists lab session records.
//
// Every status change goes through Transition, which only applies when the
// stored record is still in one of the expected statuses. Terminal records are
// therefore immutable until Purge removes them.
type Store interface {
	// Create inserts a new record and assigns its ID.
	Create(ctx context.Context, s *session.LabSession) error
	Get(ctx context.Context, id string) (session.LabSession, error)
	GetByWorkload(ctx context.Context, workloadName string) (session.LabSession, error)
	// ListByUser returns the user's sessions in the given statuses, oldest first.
	ListByUser(ctx context.Context, userID string, statuses ...session.Status) ([]session.LabSession, error)
	CountByUser(ctx context.Context, userID string, statuses ...session.Status) (int64, error)
	ListByStatus(ctx context.Context, statuses ...session.Status) ([]session.LabSession, error)
	// ListExpired returns running sessions whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time) ([]session.LabSession, error)
	// Transition writes next if the stored record's status is one of from.
	Transition(ctx context.Context, next session.LabSession, from ...session.Status) error
	// Purge deletes terminal records that ended before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}
