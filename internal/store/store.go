// Package store persists secrets and alert events.
//
// SQLiteStore is the real backend; MemoryStore is a test double. Callers on
// the alerting path never write directly: they go through an Outbox, which
// retries in the background so a storage hiccup never blocks or reverses an
// alert.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/secret"
)

var (
	// ErrNotFound is returned when a user's secrets or an event do not exist.
	ErrNotFound = errors.New("not found")
	// ErrImmutable is returned when updating an event that is no longer active.
	ErrImmutable = errors.New("alert event is no longer active")
)

// Store is the persistence backend.
type Store interface {
	LoadUserSecrets(ctx context.Context, userID string) (secret.Stored, error)
	SaveSecrets(ctx context.Context, userID string, s secret.Stored) error
	// CreateAlertEvent inserts ev and returns its id. An empty ev.ID gets a
	// generated one.
	CreateAlertEvent(ctx context.Context, userID string, ev logic.AlertEvent) (string, error)
	// UpdateAlertEvent moves an active event to a terminal status.
	UpdateAlertEvent(ctx context.Context, id string, status logic.Status, resolvedAt time.Time) error
	// UpdateAlertTargets replaces the notified targets of an active event.
	UpdateAlertTargets(ctx context.Context, id string, targets []string) error
	// UpdateAlertLocation replaces the location of an active event.
	UpdateAlertLocation(ctx context.Context, id string, loc logic.Location) error
	// ListAlertEvents returns the newest events first.
	ListAlertEvents(ctx context.Context, userID string, limit int) ([]logic.AlertEvent, error)
	Close() error
}
