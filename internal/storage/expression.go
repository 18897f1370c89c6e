package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-threads/internal/clock"
)

// withBookkeeping returns a copy of item with createdAt, updatedAt and
// version filled in where absent.
func withBookkeeping(item Item) Item {
	out := make(Item, len(item)+3)
	for k, v := range item {
		out[k] = v
	}
	now := clock.Now()
	if _, ok := out[AttrCreatedAt]; !ok {
		out[AttrCreatedAt] = S(now)
	}
	if _, ok := out[AttrUpdatedAt]; !ok {
		out[AttrUpdatedAt] = S(now)
	}
	if _, ok := out[AttrVersion]; !ok {
		out[AttrVersion] = &types.AttributeValueMemberN{Value: "1"}
	}
	return out
}

// updateExpression is a DynamoDB UpdateItem expression set.
type updateExpression struct {
	Update    string
	Condition string
	Names     map[string]string
	Values    map[string]types.AttributeValue
	// Fields is every attribute the SET clause assigns, updatedAt included.
	Fields Item
}

// buildUpdate renders fields as a SET expression. Field names are sorted so
// the output is deterministic. updatedAt is stamped only when fields does not
// carry it, version is always incremented, and the item must already exist.
func buildUpdate(schema Schema, fields Item, o updateOptions) (updateExpression, error) {
	names := make([]string, 0, len(fields)+1)
	for name := range fields {
		if name == schema.PartitionKey || name == schema.SortKey {
			return updateExpression{}, fmt.Errorf("storage: cannot update key attribute %q", name)
		}
		if name == AttrVersion {
			return updateExpression{}, fmt.Errorf("storage: %q is managed by the store", AttrVersion)
		}
		names = append(names, name)
	}
	values := make(map[string]types.AttributeValue, len(fields)+4)
	for k, v := range fields {
		values[k] = v
	}
	if _, ok := fields[AttrUpdatedAt]; !ok {
		names = append(names, AttrUpdatedAt)
		values[AttrUpdatedAt] = S(clock.Now())
	}
	sort.Strings(names)

	ex := updateExpression{
		Fields: values,
		Names: map[string]string{
			"#pk":  schema.PartitionKey,
			"#ver": AttrVersion,
		},
		Values: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
	}
	sets := make([]string, 0, len(names)+1)
	for i, name := range names {
		n, v := "#f"+strconv.Itoa(i), ":f"+strconv.Itoa(i)
		ex.Names[n] = name
		ex.Values[v] = values[name]
		sets = append(sets, n+" = "+v)
	}
	sets = append(sets, "#ver = if_not_exists(#ver, :zero) + :one")
	ex.Update = "SET " + strings.Join(sets, ", ")

	ex.Condition = "attribute_exists(#pk)"
	if o.expectVersion {
		if o.version == 0 {
			ex.Condition += " AND attribute_not_exists(#ver)"
		} else {
			ex.Condition += " AND #ver = :expected"
			ex.Values[":expected"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(o.version, 10)}
		}
	}
	return ex, nil
}

func versionOf(item Item) (int64, error) {
	v, ok := item[AttrVersion]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("storage: attribute %q is not a number", AttrVersion)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("storage: parse attribute %q: %w", AttrVersion, err)
	}
	return parsed, nil
}
