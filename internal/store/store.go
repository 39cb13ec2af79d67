// Package store provides storage backends for CareTriage.
//
// Two backends share one SQL implementation: SQLiteStore for single-instance deployments and
// tests, PostgresStore for production. Writes that guard an invariant are conditional and
// report a lost race as ErrConflict instead of overwriting.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
)

var (
	// ErrConflict is returned when a conditional write finds the row in an unexpected state.
	ErrConflict = errors.New("store: conflicting write")
	// ErrNotFound is returned by updates that target a missing row. Getters return (nil, nil).
	ErrNotFound = errors.New("store: not found")
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path (or ":memory:").
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for URLs and
// key=value connection strings, "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// ReminderFilter narrows ListReminders. Empty fields match everything.
type ReminderFilter struct {
	UserID string
	Status models.ReminderStatus
	Limit  int
}

// HealthFilter narrows ListHealthMetrics.
type HealthFilter struct {
	UserID string
	Metric string
	Limit  int
}

// Store is the persistence boundary used by the orchestrator, the API and the workers.
type Store interface {
	UpsertUser(ctx context.Context, u models.User) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	RegisterDevice(ctx context.Context, d models.Device) (*models.Device, error)
	GetDevice(ctx context.Context, id string) (*models.Device, error)

	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error

	// SaveMessage inserts a message. Messages are immutable; there is no update.
	SaveMessage(ctx context.Context, m models.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// UpsertReminder inserts r unless a reminder with the same source message already exists,
	// in which case the stored one is returned with created=false.
	UpsertReminder(ctx context.Context, r models.Reminder) (stored *models.Reminder, created bool, err error)
	// FindSimilarReminder returns a non-canceled reminder of the user with the same
	// normalized title due within tolerance of dueAt.
	FindSimilarReminder(ctx context.Context, userID, title string, dueAt time.Time, tolerance time.Duration) (*models.Reminder, error)
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)
	ListReminders(ctx context.Context, f ReminderFilter) ([]models.Reminder, error)
	// UpdateReminderStatus moves a reminder from one status to another, failing with
	// ErrConflict if it is no longer in from.
	UpdateReminderStatus(ctx context.Context, id string, from, to models.ReminderStatus) error
	// UpdateReminderSchedule is the explicit edit of a reminder's title and due time.
	UpdateReminderSchedule(ctx context.Context, id, title string, dueAt time.Time) (*models.Reminder, error)

	// UpsertActiveEmergency opens an emergency for the user, or updates the one already
	// active. created reports which happened.
	UpsertActiveEmergency(ctx context.Context, e models.EmergencyEvent) (stored *models.EmergencyEvent, created bool, err error)
	GetEmergency(ctx context.Context, id string) (*models.EmergencyEvent, error)
	GetActiveEmergency(ctx context.Context, userID string) (*models.EmergencyEvent, error)
	ListEmergencies(ctx context.Context, userID string, limit int) ([]models.EmergencyEvent, error)
	// UpdateEmergencyStage changes the stage of an active emergency.
	UpdateEmergencyStage(ctx context.Context, id string, stage models.EmergencyStage) (*models.EmergencyEvent, error)
	// CloseEmergency resolves or cancels an active emergency.
	CloseEmergency(ctx context.Context, id string, status models.EmergencyStatus) (*models.EmergencyEvent, error)

	GetPendingAction(ctx context.Context, sessionID string) (*models.PendingAction, error)
	InsertPendingAction(ctx context.Context, action models.PendingAction, now time.Time) error
	ReplacePendingAction(ctx context.Context, action models.PendingAction, expectedID string) error
	DeletePendingAction(ctx context.Context, sessionID, expectedID string) error
	PurgeExpiredPendingActions(ctx context.Context, now time.Time) (int, error)

	SaveHealthMetric(ctx context.Context, m models.HealthMetric) error
	ListHealthMetrics(ctx context.Context, f HealthFilter) ([]models.HealthMetric, error)

	DedupRepo
	JobRepo
	OutboxRepo

	Close() error
}
