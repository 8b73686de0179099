package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/logger"
	"github.com/atana/registration-migrator/internal/models"
)

// latestRunKey holds a copy of the most recent report so LastRun is a
// single GetItem
const latestRunKey = "latest"

// DynamoDBRunRecorder keeps run reports in a DynamoDB table
type DynamoDBRunRecorder struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// NewDynamoDBRunRecorder creates a DynamoDB-backed run recorder
func NewDynamoDBRunRecorder(cfg config.RunLogConfig) (*DynamoDBRunRecorder, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	recorder := &DynamoDBRunRecorder{
		client:    dynamodb.New(sess),
		tableName: cfg.TableName,
	}

	if err := recorder.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}

	return recorder, nil
}

// ensureTable creates the runs table on first use. Only a missing table is
// created; any other DescribeTable failure is returned.
func (d *DynamoDBRunRecorder) ensureTable() error {
	describe := &dynamodb.DescribeTableInput{TableName: aws.String(d.tableName)}

	_, err := d.client.DescribeTable(describe)
	if err == nil {
		return nil
	}
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) || awsErr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to describe table %s: %w", d.tableName, err)
	}

	logger.Info().Str("table", d.tableName).Msg("Creating DynamoDB run log table")
	_, err = d.client.CreateTable(&dynamodb.CreateTableInput{
		TableName:   aws.String(d.tableName),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		KeySchema: []*dynamodb.KeySchemaElement{{
			AttributeName: aws.String("id"),
			KeyType:       aws.String(dynamodb.KeyTypeHash),
		}},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{{
			AttributeName: aws.String("id"),
			AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", d.tableName, err)
	}
	return d.client.WaitUntilTableExists(describe)
}

// RecordRun stores the report under its own id and as the latest run
func (d *DynamoDBRunRecorder) RecordRun(ctx context.Context, run *models.RunReport) error {
	item, err := dynamodbattribute.MarshalMap(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	for _, key := range []string{run.ID, latestRunKey} {
		item["id"] = &dynamodb.AttributeValue{S: aws.String(key)}
		item["run_id"] = &dynamodb.AttributeValue{S: aws.String(run.ID)}
		_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.tableName),
			Item:      item,
		})
		if err != nil {
			return fmt.Errorf("failed to store run %s: %w", run.ID, err)
		}
	}
	return nil
}

// LastRun retrieves the most recent report, or nil if none was recorded
func (d *DynamoDBRunRecorder) LastRun(ctx context.Context) (*models.RunReport, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(latestRunKey)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var run models.RunReport
	if err := dynamodbattribute.UnmarshalMap(result.Item, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	if runID := result.Item["run_id"]; runID != nil && runID.S != nil {
		run.ID = *runID.S
	}
	return &run, nil
}

// Close is a no-op; the DynamoDB client holds no connection
func (d *DynamoDBRunRecorder) Close() error {
	return nil
}
