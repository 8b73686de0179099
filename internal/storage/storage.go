package storage

import (
	"context"
	"fmt"

	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/models"
)

// RegistrationWriter persists one registration atomically
type RegistrationWriter interface {
	UpsertRegistration(ctx context.Context, reg models.Registration) error
}

// RegistrationReader reads migrated rows back
type RegistrationReader interface {
	GetRegistration(ctx context.Context, id string) (*models.StoredRegistration, error)
	GetLearner(ctx context.Context, id string) (*models.Learner, error)
	Counts(ctx context.Context) (learners, registrations int, err error)
}

// RunRecorder keeps migration run reports
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.RunReport) error
	LastRun(ctx context.Context) (*models.RunReport, error)
	Close() error
}

var (
	_ RegistrationWriter = (*SQLStore)(nil)
	_ RegistrationReader = (*SQLStore)(nil)
	_ RunRecorder        = (*SQLStore)(nil)
	_ RunRecorder        = (*DynamoDBRunRecorder)(nil)
	_ RunRecorder        = (*MongoRunRecorder)(nil)
	_ RunRecorder        = NopRunRecorder{}
)

// NewRunRecorder creates the run recorder selected by configuration. The
// "sql" type reuses the destination store.
func NewRunRecorder(cfg config.RunLogConfig, store *SQLStore) (RunRecorder, error) {
	switch cfg.Type {
	case "sql", "":
		return sqlRunRecorder{store}, nil
	case "dynamodb":
		recorder, err := NewDynamoDBRunRecorder(cfg)
		if err != nil {
			return nil, err
		}
		return recorder, nil
	case "mongodb":
		recorder, err := NewMongoRunRecorder(cfg)
		if err != nil {
			return nil, err
		}
		return recorder, nil
	case "none":
		return NopRunRecorder{}, nil
	default:
		return nil, fmt.Errorf("unsupported run log type: %s", cfg.Type)
	}
}

// sqlRunRecorder shares the destination store, so closing it is left to the
// store's owner
type sqlRunRecorder struct {
	*SQLStore
}

func (sqlRunRecorder) Close() error { return nil }

// NopRunRecorder discards run reports
type NopRunRecorder struct{}

func (NopRunRecorder) RecordRun(context.Context, *models.RunReport) error { return nil }

func (NopRunRecorder) LastRun(context.Context) (*models.RunReport, error) { return nil, nil }

func (NopRunRecorder) Close() error { return nil }
