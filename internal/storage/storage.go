// Package storage is a generic key/value CRUD layer over a table with a
// composite primary key (partition + sort) and secondary indexes.
//
// Two implementations share one contract: Table talks to DynamoDB and Memory
// keeps items in process for local development and tests. The store owns
// three bookkeeping attributes: createdAt, updatedAt and version.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Bookkeeping attribute names.
const (
	AttrCreatedAt = "createdAt"
	AttrUpdatedAt = "updatedAt"
	AttrVersion   = "version"
)

const defaultTimeout = 5 * time.Second

var (
	// ErrNotFound means the addressed item does not exist.
	ErrNotFound = errors.New("storage: item not found")
	// ErrConflict means an ExpectVersion condition did not hold.
	ErrConflict = errors.New("storage: version conflict")
	// ErrStorageTimeout means a call exceeded its per-call timeout.
	ErrStorageTimeout = errors.New("storage: call timed out")
	// ErrConnectionUnavailable means no endpoint answered at connect time.
	ErrConnectionUnavailable = errors.New("storage: connection unavailable")
)

// Item is one stored row.
type Item = map[string]types.AttributeValue

// Key addresses one row by its full primary key.
type Key map[string]types.AttributeValue

// Schema names the primary key attributes of a table.
type Schema struct {
	PartitionKey string
	SortKey      string
}

// DefaultSchema is the chat table layout: id (HASH) + createdAt (RANGE).
var DefaultSchema = Schema{PartitionKey: "id", SortKey: AttrCreatedAt}

// Store is the storage connection contract.
type Store interface {
	Create(ctx context.Context, item Item) error
	Read(ctx context.Context, key Key) (Item, error)
	QueryByIndex(ctx context.Context, index, keyName, keyValue string) ([]Item, error)
	Update(ctx context.Context, key Key, fields Item, opts ...UpdateOption) error
	Delete(ctx context.Context, key Key) error
}

type updateOptions struct {
	expectVersion bool
	version       int64
}

// UpdateOption tunes a single Update call.
type UpdateOption func(*updateOptions)

// ExpectVersion makes the update conditional on the stored version being v.
// A v of zero matches items written before versioning existed.
func ExpectVersion(v int64) UpdateOption {
	return func(o *updateOptions) {
		o.expectVersion = true
		o.version = v
	}
}

func collectUpdateOptions(opts []UpdateOption) updateOptions {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// S is shorthand for a string attribute value.
func S(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func stringValue(item Item, key string) (string, bool) {
	v, ok := item[key].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}
