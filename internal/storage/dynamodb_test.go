package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atana/registration-migrator/internal/models"
)

// fakeDynamoDB keeps items in memory, keyed by the "id" attribute
type fakeDynamoDB struct {
	dynamodbiface.DynamoDBAPI

	mu          sync.Mutex
	items       map[string]map[string]*dynamodb.AttributeValue
	putErr      error
	describeErr error
	created     bool
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]map[string]*dynamodb.AttributeValue)}
}

func (f *fakeDynamoDB) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	item := make(map[string]*dynamodb.AttributeValue, len(in.Item))
	for k, v := range in.Item {
		item[k] = v
	}
	f.items[*in.Item["id"].S] = item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[*in.Key["id"].S]}, nil
}

func (f *fakeDynamoDB) DescribeTable(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if f.created {
		return &dynamodb.DescribeTableOutput{}, nil
	}
	return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "table not found", nil)
}

func (f *fakeDynamoDB) CreateTable(*dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	f.created = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamoDB) WaitUntilTableExists(*dynamodb.DescribeTableInput) error {
	return nil
}

func TestDynamoDBRunRecorder_RecordAndLastRun(t *testing.T) {
	fake := newFakeDynamoDB()
	rec := &DynamoDBRunRecorder{client: fake, tableName: "migration_runs"}
	ctx := context.Background()

	last, err := rec.LastRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	run := models.NewRunReport(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	run.Status = models.RunSuccess
	run.Pages, run.Seen, run.Migrated = 2, 2, 2
	run.FinishedAt = run.StartedAt.Add(time.Minute)
	require.NoError(t, rec.RecordRun(ctx, run))

	assert.Len(t, fake.items, 2)
	assert.Contains(t, fake.items, run.ID)
	assert.Contains(t, fake.items, latestRunKey)

	last, err = rec.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, run.ID, last.ID)
	assert.Equal(t, models.RunSuccess, last.Status)
	assert.Equal(t, 2, last.Migrated)
	assert.True(t, last.StartedAt.Equal(run.StartedAt))
	assert.True(t, last.FinishedAt.Equal(run.FinishedAt))
}

func TestDynamoDBRunRecorder_PutError(t *testing.T) {
	fake := newFakeDynamoDB()
	fake.putErr = errors.New("throttled")
	rec := &DynamoDBRunRecorder{client: fake, tableName: "migration_runs"}

	err := rec.RecordRun(context.Background(), models.NewRunReport(time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestDynamoDBRunRecorder_EnsureTable(t *testing.T) {
	fake := newFakeDynamoDB()
	rec := &DynamoDBRunRecorder{client: fake, tableName: "migration_runs"}

	require.NoError(t, rec.ensureTable())
	assert.True(t, fake.created)
	// second call finds the existing table
	require.NoError(t, rec.ensureTable())
}

func TestDynamoDBRunRecorder_EnsureTable_DescribeFailure(t *testing.T) {
	fake := newFakeDynamoDB()
	fake.describeErr = awserr.New("AccessDeniedException", "not authorized to describe table", nil)
	rec := &DynamoDBRunRecorder{client: fake, tableName: "migration_runs"}

	err := rec.ensureTable()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDeniedException")
	assert.False(t, fake.created)
}
