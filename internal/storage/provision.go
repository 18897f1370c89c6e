package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// provisionAPI is the DynamoDB surface EnsureTable needs.
type provisionAPI interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// IndexDefinition is a global secondary index with string keys and an ALL
// projection.
type IndexDefinition struct {
	Name         string
	PartitionKey string
	SortKey      string
}

// TableDefinition describes a pay-per-request table with string keys.
type TableDefinition struct {
	Name    string
	Schema  Schema
	Indexes []IndexDefinition
}

// EnsureTable creates the table described by def unless it already exists,
// then waits until it is active.
func EnsureTable(ctx context.Context, api provisionAPI, def TableDefinition, maxWait time.Duration) error {
	if api == nil {
		return errors.New("storage: api must not be nil")
	}
	if def.Name == "" || def.Schema.PartitionKey == "" {
		return errors.New("storage: table definition needs a name and a partition key")
	}
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}

	_, err := api.CreateTable(ctx, createTableInput(def))
	var inUse *types.ResourceInUseException
	switch {
	case errors.As(err, &inUse):
		slog.Info("dynamodb table exists", "table", def.Name)
	case err != nil:
		return fmt.Errorf("storage: EnsureTable: create %s: %w", def.Name, err)
	default:
		slog.Info("dynamodb table created", "table", def.Name)
	}

	w := dynamodb.NewTableExistsWaiter(api)
	if err := w.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(def.Name)}, maxWait); err != nil {
		return fmt.Errorf("storage: EnsureTable: wait for %s: %w", def.Name, err)
	}
	return nil
}

func createTableInput(def TableDefinition) *dynamodb.CreateTableInput {
	attrs := map[string]bool{}
	var defs []types.AttributeDefinition
	declare := func(name string) {
		if name == "" || attrs[name] {
			return
		}
		attrs[name] = true
		defs = append(defs, types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: types.ScalarAttributeTypeS,
		})
	}

	declare(def.Schema.PartitionKey)
	declare(def.Schema.SortKey)
	in := &dynamodb.CreateTableInput{
		TableName:   aws.String(def.Name),
		KeySchema:   keySchema(def.Schema.PartitionKey, def.Schema.SortKey),
		BillingMode: types.BillingModePayPerRequest,
	}
	for _, idx := range def.Indexes {
		declare(idx.PartitionKey)
		declare(idx.SortKey)
		in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, types.GlobalSecondaryIndex{
			IndexName:  aws.String(idx.Name),
			KeySchema:  keySchema(idx.PartitionKey, idx.SortKey),
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		})
	}
	in.AttributeDefinitions = defs
	return in
}

func keySchema(hash, rng string) []types.KeySchemaElement {
	ks := []types.KeySchemaElement{{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash}}
	if rng != "" {
		ks = append(ks, types.KeySchemaElement{AttributeName: aws.String(rng), KeyType: types.KeyTypeRange})
	}
	return ks
}
