package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/atana/registration-migrator/internal/apperrors"
	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/logger"
	"github.com/atana/registration-migrator/internal/models"
)

var learnerColumns = []string{"id", "email", "first_name", "last_name"}

var registrationColumns = []string{
	"id",
	"instance",
	"xapi_registration_id",
	"dispatch_id",
	"updated",
	"registration_completion",
	"registration_completion_amount",
	"registration_success",
	"score",
	"total_seconds_tracked",
	"first_access_date",
	"last_access_date",
	"completed_date",
	"created_date",
	"course",
	"learner_id",
	"tags",
	"global_objectives",
	"shared_data",
	"suspended_activity_id",
	"activity_details",
}

var runColumns = []string{
	"id", "status", "started_at", "finished_at", "pages", "seen", "migrated", "failed", "error_message",
}

// SQLStore is the relational destination for migrated registrations
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	upsertLearner      string
	upsertRegistration string
	upsertRun          string
}

// NewSQLStore opens a connection pool for the configured database and
// verifies it is reachable
func NewSQLStore(cfg config.StorageConfig) (*SQLStore, error) {
	d, err := lookupDialect(cfg.Type)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, cfg.StorageDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.name, err)
	}

	if d.name == "sqlite" {
		// sqlite permits a single writer; serialise through one connection
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to establish database connection: %w", err)
	}

	return newSQLStore(db, d), nil
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{
		db:                 db,
		dialect:            d,
		upsertLearner:      d.upsertSQL("learners", "id", learnerColumns),
		upsertRegistration: d.upsertSQL("registrations", "id", registrationColumns),
		upsertRun:          d.upsertSQL("migration_runs", "id", runColumns),
	}
}

// EnsureSchema creates the destination tables if they do not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	logger.Info().Str("dialect", s.dialect.name).Msg("Database schema ready")
	return nil
}

// UpsertRegistration writes the registration and its learner in one
// transaction. Existing rows with the same primary key are overwritten.
func (s *SQLStore) UpsertRegistration(ctx context.Context, reg models.Registration) error {
	learner, stored, err := reg.ToStored()
	if err != nil {
		return &WriteError{RegistrationID: reg.ID, Stage: StageValidate, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{RegistrationID: reg.ID, Stage: StageBegin, Err: classify(err)}
	}

	if _, err := tx.ExecContext(ctx, s.upsertLearner, learnerArgs(learner)...); err != nil {
		s.rollback(tx, reg.ID, StageLearner)
		return &WriteError{RegistrationID: reg.ID, Stage: StageLearner, Err: classify(err)}
	}

	if _, err := tx.ExecContext(ctx, s.upsertRegistration, registrationArgs(stored)...); err != nil {
		s.rollback(tx, reg.ID, StageRegistration)
		return &WriteError{RegistrationID: reg.ID, Stage: StageRegistration, Err: classify(err)}
	}

	if err := tx.Commit(); err != nil {
		return &WriteError{RegistrationID: reg.ID, Stage: StageCommit, Err: classify(err)}
	}
	return nil
}

func (s *SQLStore) rollback(tx *sql.Tx, registrationID string, stage Stage) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Error().Err(err).
			Str("registration_id", registrationID).
			Str("stage", string(stage)).
			Msg("Failed to rollback transaction")
	}
}

// GetRegistration returns the stored registration row
func (s *SQLStore) GetRegistration(ctx context.Context, id string) (*models.StoredRegistration, error) {
	q := s.dialect.bind(`SELECT id, instance, xapi_registration_id, dispatch_id, updated,
		registration_completion, registration_completion_amount, registration_success,
		score, total_seconds_tracked, first_access_date, last_access_date, completed_date,
		created_date, course, learner_id, tags, global_objectives, shared_data,
		suspended_activity_id, activity_details
		FROM registrations WHERE id = ?`)

	var (
		reg                                         models.StoredRegistration
		xapiID, dispatchID, suspendedID             sql.NullString
		completion, success                         string
		amount, score, seconds                      sql.NullFloat64
		updated, firstAccess, lastAccess, completed sql.NullTime
		created                                     sql.NullTime
		course, tags, objectives, shared, details   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&reg.ID, &reg.Instance, &xapiID, &dispatchID, &updated,
		&completion, &amount, &success,
		&score, &seconds, &firstAccess, &lastAccess, &completed,
		&created, &course, &reg.LearnerID, &tags, &objectives, &shared,
		&suspendedID, &details,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("registration %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration %s: %w", id, classify(err))
	}

	reg.XAPIRegistrationID = xapiID.String
	reg.DispatchID = dispatchID.String
	reg.SuspendedActivityID = suspendedID.String
	reg.RegistrationCompletion = models.CompletionStatus(completion)
	reg.RegistrationSuccess = models.SuccessStatus(success)
	reg.RegistrationCompletionAmount = floatPtr(amount)
	reg.Score = floatPtr(score)
	reg.TotalSecondsTracked = floatPtr(seconds)
	reg.Updated = timePtr(updated)
	reg.FirstAccessDate = timePtr(firstAccess)
	reg.LastAccessDate = timePtr(lastAccess)
	reg.CompletedDate = timePtr(completed)
	reg.CreatedDate = timePtr(created)
	reg.Course = rawJSON(course)
	reg.Tags = rawJSON(tags)
	reg.GlobalObjectives = rawJSON(objectives)
	reg.SharedData = rawJSON(shared)
	reg.ActivityDetails = rawJSON(details)
	return &reg, nil
}

// GetLearner returns the stored learner row
func (s *SQLStore) GetLearner(ctx context.Context, id string) (*models.Learner, error) {
	q := s.dialect.bind(`SELECT id, email, first_name, last_name FROM learners WHERE id = ?`)

	var (
		learner                models.Learner
		email, first, lastName sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&learner.ID, &email, &first, &lastName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("learner %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get learner %s: %w", id, classify(err))
	}
	learner.Email = email.String
	learner.FirstName = first.String
	learner.LastName = lastName.String
	return &learner, nil
}

// Counts returns the number of learner and registration rows
func (s *SQLStore) Counts(ctx context.Context) (learners, registrations int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learners`).Scan(&learners); err != nil {
		return 0, 0, fmt.Errorf("failed to count learners: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations`).Scan(&registrations); err != nil {
		return 0, 0, fmt.Errorf("failed to count registrations: %w", err)
	}
	return learners, registrations, nil
}

// RecordRun stores or updates a run report in the migration_runs table
func (s *SQLStore) RecordRun(ctx context.Context, run *models.RunReport) error {
	var finished interface{}
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt
	}
	_, err := s.db.ExecContext(ctx, s.upsertRun,
		run.ID, string(run.Status), run.StartedAt, finished,
		run.Pages, run.Seen, run.Migrated, run.Failed, nullString(run.Error))
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// LastRun returns the most recently started run, or nil if none exists
func (s *SQLStore) LastRun(ctx context.Context) (*models.RunReport, error) {
	q := `SELECT id, status, started_at, finished_at, pages, seen, migrated, failed, error_message
		FROM migration_runs ORDER BY started_at DESC LIMIT 1`

	var (
		run      models.RunReport
		status   string
		finished sql.NullTime
		errMsg   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q).Scan(
		&run.ID, &status, &run.StartedAt, &finished,
		&run.Pages, &run.Seen, &run.Migrated, &run.Failed, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	run.Status = models.RunStatus(status)
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	run.Error = errMsg.String
	return &run, nil
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func learnerArgs(l models.Learner) []interface{} {
	return []interface{}{l.ID, nullString(l.Email), nullString(l.FirstName), nullString(l.LastName)}
}

func registrationArgs(r models.StoredRegistration) []interface{} {
	return []interface{}{
		r.ID,
		r.Instance,
		nullString(r.XAPIRegistrationID),
		nullString(r.DispatchID),
		r.Updated,
		string(r.RegistrationCompletion),
		r.RegistrationCompletionAmount,
		string(r.RegistrationSuccess),
		r.Score,
		r.TotalSecondsTracked,
		r.FirstAccessDate,
		r.LastAccessDate,
		r.CompletedDate,
		r.CreatedDate,
		jsonArg(r.Course),
		r.LearnerID,
		jsonArg(r.Tags),
		jsonArg(r.GlobalObjectives),
		jsonArg(r.SharedData),
		nullString(r.SuspendedActivityID),
		jsonArg(r.ActivityDetails),
	}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// jsonArg passes JSON blobs as text so that every driver binds them to its
// JSON column type
func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
