package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/0019-KDU/online-lab-env/internal/session"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
)

// Open connects to the configured database. Supported drivers are "postgres"
// and "sqlite"; sqlite is limited to a single connection so in-memory
// databases are shared by every caller.
func Open(driver, dsn string, maxOpenConns int) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
		maxOpenConns = 1
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	return db, nil
}

// GormStore is the SQL-backed Store
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an opened, migrated database
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, rec *session.LabSession) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return laberrors.NewError(laberrors.ErrorTypeConflict, "session already exists").
				WithObject(rec.WorkloadName).WithUnderlying(err).Build()
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (session.LabSession, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *GormStore) GetByWorkload(ctx context.Context, workloadName string) (session.LabSession, error) {
	return s.first(ctx, "workload_name = ?", workloadName)
}

func (s *GormStore) first(ctx context.Context, query string, arg string) (session.LabSession, error) {
	var rec session.LabSession
	err := s.db.WithContext(ctx).Where(query, arg).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.LabSession{}, fmt.Errorf("session %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return session.LabSession{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

func (s *GormStore) ListByUser(ctx context.Context, userID string, statuses ...session.Status) ([]session.LabSession, error) {
	var out []session.LabSession
	q := withStatuses(s.db.WithContext(ctx).Where("user_id = ?", userID), statuses)
	if err := q.Order("start_time asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *GormStore) CountByUser(ctx context.Context, userID string, statuses ...session.Status) (int64, error) {
	var n int64
	q := withStatuses(s.db.WithContext(ctx).Model(&session.LabSession{}).Where("user_id = ?", userID), statuses)
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (s *GormStore) ListByStatus(ctx context.Context, statuses ...session.Status) ([]session.LabSession, error) {
	var out []session.LabSession
	if err := withStatuses(s.db.WithContext(ctx), statuses).Order("start_time asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *GormStore) ListExpired(ctx context.Context, now time.Time) ([]session.LabSession, error) {
	var out []session.LabSession
	err := s.db.WithContext(ctx).
		Where("status = ? AND auto_shutdown_time < ?", string(session.StatusRunning), now).
		Order("auto_shutdown_time asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return out, nil
}

func (s *GormStore) Transition(ctx context.Context, next session.LabSession, from ...session.Status) error {
	if len(from) == 0 {
		return laberrors.NewInvalidError("transition requires at least one source status", "from")
	}

	res := s.db.WithContext(ctx).
		Model(&session.LabSession{}).
		Where("id = ? AND status IN ?", next.ID, statusStrings(from)).
		Updates(mutableColumns(next))
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", next.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s not in %v: %w", next.ID, from, ErrStaleTransition)
	}
	return nil
}

func (s *GormStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND end_time IS NOT NULL AND end_time < ?", statusStrings(session.TerminalStatuses), cutoff).
		Delete(&session.LabSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// mutableColumns lists everything a transition may change. Identity and
// profile columns are fixed at creation.
func mutableColumns(rec session.LabSession) map[string]interface{} {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return map[string]interface{}{
		"status":             string(rec.Status),
		"message":            rec.Message,
		"ingress_name":       rec.IngressName,
		"node_port":          rec.NodePort,
		"access_url":         rec.AccessURL,
		"end_time":           rec.EndTime,
		"last_access_time":   rec.LastAccessTime,
		"auto_shutdown_time": rec.AutoShutdownTime,
		"updated_at":         updated,
	}
}

func withStatuses(q *gorm.DB, statuses []session.Status) *gorm.DB {
	if len(statuses) == 0 {
		return q
	}
	return q.Where("status IN ?", statusStrings(statuses))
}

func statusStrings(statuses []session.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
