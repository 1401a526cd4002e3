package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/songzhibin97/seoflow/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// pgErrUniqueViolation is the SQLSTATE for a duplicate primary key.
const pgErrUniqueViolation = "23505"

// sessionRecord is the table row. Queryable fields are denormalized into
// columns; the full session lives in Data.
type sessionRecord struct {
	ID           string `gorm:"primaryKey;size:128"`
	Keyword      string `gorm:"index;not null"`
	Mode         string `gorm:"size:32;not null"`
	Status       string `gorm:"size:32;index;not null"`
	CurrentStage string `gorm:"size:32;not null"`
	Progress     int    `gorm:"not null"`
	Data         string `gorm:"type:jsonb;not null"`
	CreatedAtMs  int64  `gorm:"column:created_at;index;not null"`
	UpdatedAtMs  int64  `gorm:"column:updated_at;not null"`
}

func (sessionRecord) TableName() string { return "seoflow_sessions" }

func toRecord(s types.Session) (sessionRecord, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return sessionRecord{}, fmt.Errorf("failed to marshal session %s: %w", s.ID, err)
	}
	return sessionRecord{
		ID:           s.ID,
		Keyword:      s.Keyword,
		Mode:         string(s.Mode),
		Status:       string(s.Status),
		CurrentStage: string(s.CurrentStage),
		Progress:     s.Progress,
		Data:         string(data),
		CreatedAtMs:  s.CreatedAt,
		UpdatedAtMs:  s.UpdatedAt,
	}, nil
}

func (r sessionRecord) session() (types.Session, error) {
	return decodeSession(r.ID, []byte(r.Data))
}

func (r sessionRecord) summary() types.SessionSummary {
	return types.SessionSummary{
		ID:           r.ID,
		Keyword:      r.Keyword,
		Mode:         types.Mode(r.Mode),
		Status:       types.Status(r.Status),
		CurrentStage: types.Stage(r.CurrentStage),
		Progress:     r.Progress,
		CreatedAt:    r.CreatedAtMs,
		UpdatedAt:    r.UpdatedAtMs,
	}
}

// PostgresOptions configures the PostgreSQL backend.
type PostgresOptions struct {
	DSN             string
	ConnectAttempts int
	RetryDelay      time.Duration
}

// PostgresStorage persists sessions in PostgreSQL through GORM. Updates
// lock the row with SELECT ... FOR UPDATE inside a transaction.
type PostgresStorage struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPostgresStorage connects, retrying while the database comes up, and
// migrates the sessions table.
func NewPostgresStorage(opts PostgresOptions) (*PostgresStorage, error) {
	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := range attempts {
		db, err = gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err == nil {
			break
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return NewPostgresStorageFromDB(db)
}

// NewPostgresStorageFromDB wraps an existing connection.
func NewPostgresStorageFromDB(db *gorm.DB) (*PostgresStorage, error) {
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sessions table: %w", err)
	}
	return &PostgresStorage{db: db, now: time.Now}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

// CreateSession inserts a new row.
func (s *PostgresStorage) CreateSession(ctx context.Context, sess types.Session) error {
	return withContextError(ctx, func() error {
		if err := checkNew(sess); err != nil {
			return err
		}
		rec, err := toRecord(sess)
		if err != nil {
			return err
		}
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			if isUniqueViolation(err) || errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: id=%s", ErrSessionExists, sess.ID)
			}
			return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
		}
		return nil
	})
}

func takeRecord(tx *gorm.DB, id string) (sessionRecord, error) {
	var rec sessionRecord
	err := tx.Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, fmt.Errorf("%w: id=%s", ErrSessionNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return rec, nil
}

// GetSession loads a session row.
func (s *PostgresStorage) GetSession(ctx context.Context, id string) (types.Session, error) {
	return withContext(ctx, func() (types.Session, error) {
		rec, err := takeRecord(s.db.WithContext(ctx), id)
		if err != nil {
			return types.Session{}, err
		}
		return rec.session()
	})
}

// UpdateSession applies fn while holding the row lock.
func (s *PostgresStorage) UpdateSession(ctx context.Context, id string, fn UpdateFunc) (types.Session, error) {
	return withContext(ctx, func() (types.Session, error) {
		var updated types.Session
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rec, err := takeRecord(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
			if err != nil {
				return err
			}
			current, err := rec.session()
			if err != nil {
				return err
			}
			next, err := applyUpdate(current, fn, s.now())
			if err != nil {
				return err
			}
			nextRec, err := toRecord(next)
			if err != nil {
				return err
			}
			if err := tx.Save(&nextRec).Error; err != nil {
				return fmt.Errorf("failed to save session %s: %w", id, err)
			}
			updated = next
			return nil
		})
		if err != nil {
			return types.Session{}, err
		}
		return updated, nil
	})
}

// ListSessions filters and orders in SQL using the denormalized columns.
func (s *PostgresStorage) ListSessions(ctx context.Context, filter types.SessionFilter) ([]types.SessionSummary, error) {
	return withContext(ctx, func() ([]types.SessionSummary, error) {
		q := s.db.WithContext(ctx).Model(&sessionRecord{})
		if filter.Status != "" {
			q = q.Where("status = ?", string(filter.Status))
		}
		if filter.Keyword != "" {
			q = q.Where("keyword = ?", filter.Keyword)
		}
		q = q.Order("created_at DESC").Order("id DESC")
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		var recs []sessionRecord
		if err := q.Omit("data").Find(&recs).Error; err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		out := make([]types.SessionSummary, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.summary())
		}
		return out, nil
	})
}

// ClearTerminal deletes terminal sessions last updated before the cutoff.
func (s *PostgresStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		terminal := []string{
			string(types.StatusCompleted),
			string(types.StatusFailed),
			string(types.StatusCancelled),
		}
		res := s.db.WithContext(ctx).
			Where("status IN ? AND updated_at < ?", terminal, before.UnixMilli()).
			Delete(&sessionRecord{})
		if res.Error != nil {
			return 0, fmt.Errorf("failed to clear sessions: %w", res.Error)
		}
		return int(res.RowsAffected), nil
	})
}

// Close releases the underlying connection pool.
func (s *PostgresStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
