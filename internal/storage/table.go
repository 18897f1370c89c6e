package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamodbAPI is the minimal DynamoDB interface required by Table.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Table is a Store backed by one DynamoDB table.
type Table struct {
	api       dynamodbAPI
	tableName string
	schema    Schema
	timeout   time.Duration
}

type Option func(*Table)

// WithTimeout bounds every call made through the table.
func WithTimeout(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithSchema overrides DefaultSchema.
func WithSchema(s Schema) Option {
	return func(t *Table) {
		t.schema = s
	}
}

// NewTable creates a Table for tableName.
func NewTable(api dynamodbAPI, tableName string, opts ...Option) (*Table, error) {
	if api == nil {
		return nil, errors.New("storage: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("storage: table name must not be empty")
	}
	t := &Table{
		api:       api,
		tableName: tableName,
		schema:    DefaultSchema,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.schema.PartitionKey == "" {
		return nil, errors.New("storage: schema partition key must not be empty")
	}
	return t, nil
}

// Name returns the DynamoDB table name.
func (t *Table) Name() string {
	return t.tableName
}

// Create puts item, stamping missing bookkeeping attributes. An existing item
// with the same primary key is overwritten.
func (t *Table) Create(ctx context.Context, item Item) error {
	stamped := withBookkeeping(item)
	return run(ctx, t.timeout, "create", func(ctx context.Context) error {
		_, err := t.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(t.tableName),
			Item:      stamped,
		})
		return err
	})
}

// Read fetches one item by full primary key with a consistent read.
func (t *Table) Read(ctx context.Context, key Key) (Item, error) {
	var item Item
	err := run(ctx, t.timeout, "read", func(ctx context.Context) error {
		out, err := t.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(t.tableName),
			Key:            key,
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return err
		}
		if out == nil || len(out.Item) == 0 {
			return ErrNotFound
		}
		item = out.Item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// QueryByIndex returns every item whose keyName equals keyValue, following
// pagination. An empty index queries the base table with a consistent read;
// index queries are eventually consistent. Order is whatever DynamoDB returns.
func (t *Table) QueryByIndex(ctx context.Context, index, keyName, keyValue string) ([]Item, error) {
	in := &dynamodb.QueryInput{
		TableName:                aws.String(t.tableName),
		KeyConditionExpression:   aws.String("#k = :v"),
		ExpressionAttributeNames: map[string]string{"#k": keyName},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": S(keyValue),
		},
	}
	if index != "" {
		in.IndexName = aws.String(index)
	} else {
		in.ConsistentRead = aws.Bool(true)
	}

	var items []Item
	err := run(ctx, t.timeout, "query", func(ctx context.Context) error {
		p := dynamodb.NewQueryPaginator(t.api, in)
		for p.HasMorePages() {
			out, err := p.NextPage(ctx)
			if err != nil {
				return err
			}
			items = append(items, out.Items...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Update sets fields on an existing item. It never creates the item: a
// missing key yields ErrNotFound and a failed ExpectVersion yields ErrConflict.
func (t *Table) Update(ctx context.Context, key Key, fields Item, opts ...UpdateOption) error {
	ex, err := buildUpdate(t.schema, fields, collectUpdateOptions(opts))
	if err != nil {
		return err
	}
	in := &dynamodb.UpdateItemInput{
		TableName:                           aws.String(t.tableName),
		Key:                                 key,
		UpdateExpression:                    aws.String(ex.Update),
		ConditionExpression:                 aws.String(ex.Condition),
		ExpressionAttributeNames:            ex.Names,
		ExpressionAttributeValues:           ex.Values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	return run(ctx, t.timeout, "update", func(ctx context.Context) error {
		_, err := t.api.UpdateItem(ctx, in)
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return err
	})
}

// Delete removes an item. Deleting a missing key is not an error.
func (t *Table) Delete(ctx context.Context, key Key) error {
	return run(ctx, t.timeout, "delete", func(ctx context.Context) error {
		_, err := t.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(t.tableName),
			Key:       key,
		})
		return err
	})
}
