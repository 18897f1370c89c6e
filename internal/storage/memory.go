package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Memory is an in-process Store with the same semantics as Table: missing
// keys on Update fail, versions are checked and bumped, deletes are
// idempotent. Index queries return items in ascending createdAt order, which
// is what a GSI with createdAt as its sort key yields.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	schema  Schema
	indexes map[string]bool
	items   map[string]Item
}

// NewMemory creates an empty store. Only the named indexes may be queried.
func NewMemory(schema Schema, indexes ...string) *Memory {
	m := &Memory{
		schema:  schema,
		indexes: make(map[string]bool, len(indexes)),
		items:   make(map[string]Item),
	}
	for _, name := range indexes {
		m.indexes[name] = true
	}
	return m
}

// Len returns the number of stored items.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Create(ctx context.Context, item Item) error {
	return run(ctx, 0, "create", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stamped := withBookkeeping(item)
		id, err := m.compositeKey(Key(stamped))
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.items[id] = cloneItem(stamped)
		return nil
	})
}

func (m *Memory) Read(ctx context.Context, key Key) (Item, error) {
	var out Item
	err := run(ctx, 0, "read", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := m.compositeKey(key)
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		item, ok := m.items[id]
		if !ok {
			return ErrNotFound
		}
		out = cloneItem(item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) QueryByIndex(ctx context.Context, index, keyName, keyValue string) ([]Item, error) {
	var out []Item
	err := run(ctx, 0, "query", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if index != "" && !m.indexes[index] {
			return fmt.Errorf("index %q does not exist", index)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, item := range m.items {
			if v, ok := stringValue(item, keyName); ok && v == keyValue {
				out = append(out, cloneItem(item))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		ci, _ := stringValue(out[i], AttrCreatedAt)
		cj, _ := stringValue(out[j], AttrCreatedAt)
		if ci != cj {
			return ci < cj
		}
		pi, _ := stringValue(out[i], m.schema.PartitionKey)
		pj, _ := stringValue(out[j], m.schema.PartitionKey)
		return pi < pj
	})
	return out, nil
}

func (m *Memory) Update(ctx context.Context, key Key, fields Item, opts ...UpdateOption) error {
	o := collectUpdateOptions(opts)
	return run(ctx, 0, "update", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ex, err := buildUpdate(m.schema, fields, o)
		if err != nil {
			return err
		}
		id, err := m.compositeKey(key)
		if err != nil {
			return err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		current, ok := m.items[id]
		if !ok {
			return ErrNotFound
		}
		stored, err := versionOf(current)
		if err != nil {
			return err
		}
		if o.expectVersion {
			_, hasVersion := current[AttrVersion]
			if (o.version == 0 && hasVersion) || (o.version != 0 && stored != o.version) {
				return ErrConflict
			}
		}

		next := cloneItem(current)
		for name, v := range ex.Fields {
			next[name] = cloneValue(v)
		}
		next[AttrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(stored+1, 10)}
		m.items[id] = next
		return nil
	})
}

func (m *Memory) Delete(ctx context.Context, key Key) error {
	return run(ctx, 0, "delete", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := m.compositeKey(key)
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.items, id)
		return nil
	})
}

func (m *Memory) compositeKey(key Key) (string, error) {
	pk, ok := stringValue(key, m.schema.PartitionKey)
	if !ok {
		return "", fmt.Errorf("key is missing string attribute %q", m.schema.PartitionKey)
	}
	if m.schema.SortKey == "" {
		return pk, nil
	}
	sk, ok := stringValue(key, m.schema.SortKey)
	if !ok {
		return "", fmt.Errorf("key is missing string attribute %q", m.schema.SortKey)
	}
	return pk + "\x00" + sk, nil
}

func cloneItem(item Item) Item {
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v types.AttributeValue) types.AttributeValue {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: tv.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: tv.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: tv.Value}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(tv.Value))
		for i, e := range tv.Value {
			l[i] = cloneValue(e)
		}
		return &types.AttributeValueMemberL{Value: l}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: cloneItem(tv.Value)}
	default:
		return v
	}
}
