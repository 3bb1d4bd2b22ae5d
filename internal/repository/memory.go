package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MemoryAPI is an in-process stand-in for the subset of DynamoDB used by
// Client. It has no TTL sweeper: expired items stay until overwritten or
// deleted, which is exactly the lag Client has to tolerate.
type MemoryAPI struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue
}

// NewMemoryAPI creates a MemoryAPI. schema maps table name to its primary
// key attribute.
func NewMemoryAPI(schema map[string]string) *MemoryAPI {
	m := &MemoryAPI{
		keys:   make(map[string]string, len(schema)),
		tables: make(map[string]map[string]map[string]types.AttributeValue, len(schema)),
	}
	for table, key := range schema {
		m.keys[table] = key
		m.tables[table] = make(map[string]map[string]types.AttributeValue)
	}
	return m
}

func (m *MemoryAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, id, err := m.locate(in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := rows[id]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *MemoryAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := aws.ToString(in.TableName)
	keyName, ok := m.keys[table]
	if !ok {
		return nil, tableNotFound(table)
	}
	keyAttr, ok := in.Item[keyName].(*types.AttributeValueMemberS)
	if !ok || keyAttr.Value == "" {
		return nil, fmt.Errorf("memory: item missing string key %q", keyName)
	}
	m.tables[table][keyAttr.Value] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (m *MemoryAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, id, err := m.locate(in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	old, exists := rows[id]
	if cond := aws.ToString(in.ConditionExpression); cond != "" {
		if !strings.HasPrefix(cond, "attribute_exists(") {
			return nil, fmt.Errorf("memory: unsupported condition %q", cond)
		}
		if !exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	delete(rows, id)

	out := &dynamodb.DeleteItemOutput{}
	if exists && in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (m *MemoryAPI) locate(tableName *string, key map[string]types.AttributeValue) (map[string]map[string]types.AttributeValue, string, error) {
	table := aws.ToString(tableName)
	keyName, ok := m.keys[table]
	if !ok {
		return nil, "", tableNotFound(table)
	}
	keyAttr, ok := key[keyName].(*types.AttributeValueMemberS)
	if !ok || len(key) != 1 {
		return nil, "", fmt.Errorf("memory: key must be the single string attribute %q", keyName)
	}
	return m.tables[table], keyAttr.Value, nil
}

func tableNotFound(table string) error {
	return &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + table + " not found")}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
