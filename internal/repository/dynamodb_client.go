package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ExpireAtAttr is the TTL attribute configured on every table. Values are
// Unix seconds.
const ExpireAtAttr = "expireAt"

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Record is an item that carries its own expiry, in Unix seconds. It must
// also marshal that value under ExpireAtAttr.
type Record interface {
	ExpiresAt() int64
}

// Store is the key-value contract consumed by the session broker and the
// conversation cache.
type Store interface {
	Put(ctx context.Context, table string, item Record) error
	Get(ctx context.Context, table string, key Key, out any) (bool, error)
	Take(ctx context.Context, table string, key Key, out any) (bool, error)
	Delete(ctx context.Context, table string, key Key) error
}

// Key addresses an item by its string primary key.
type Key struct {
	Name  string
	Value string
}

func (k Key) attributes() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		k.Name: &types.AttributeValueMemberS{Value: k.Value},
	}
}

func (k Key) validate() error {
	if strings.TrimSpace(k.Name) == "" || k.Value == "" {
		return errors.New("key name and value are required")
	}
	return nil
}

// Client is a TTL-aware key-value store over DynamoDB tables addressed by
// primary key only. Reads never return an item whose expireAt has passed,
// regardless of whether the TTL sweeper has removed it yet.
type Client struct {
	api dynamodbAPI
	now func() time.Time
}

type Option func(*Client)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	c := &Client{api: api, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Put writes or fully replaces an item. The item's expiry must be positive
// and match its marshaled expireAt attribute.
func (c *Client) Put(ctx context.Context, table string, item Record) error {
	if strings.TrimSpace(table) == "" {
		return errors.New("repository: Put: table name must not be empty")
	}
	if item == nil {
		return errors.New("repository: Put: item must not be nil")
	}
	expireAt := item.ExpiresAt()
	if expireAt <= 0 {
		return errors.New("repository: Put: expireAt must be positive")
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("repository: Put marshal: %w", err)
	}
	stored, err := int64Attr(av, ExpireAtAttr)
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	if stored != expireAt {
		return fmt.Errorf("repository: Put: %s attribute %d does not match expiry %d", ExpireAtAttr, stored, expireAt)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Get reads an item into out. It reports false when the item does not exist
// or is logically expired.
func (c *Client) Get(ctx context.Context, table string, key Key, out any) (bool, error) {
	if err := key.validate(); err != nil {
		return false, fmt.Errorf("repository: Get: %w", err)
	}
	res, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key.attributes(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: Get: %w", err)
	}
	if res == nil || len(res.Item) == 0 {
		return false, nil
	}
	return c.decodeLive(res.Item, out, "Get")
}

// Take atomically removes an item and returns its previous value. Only one
// of several concurrent callers observes found=true for the same item.
func (c *Client) Take(ctx context.Context, table string, key Key, out any) (bool, error) {
	if err := key.validate(); err != nil {
		return false, fmt.Errorf("repository: Take: %w", err)
	}
	res, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(table),
		Key:                      key.attributes(),
		ConditionExpression:      aws.String("attribute_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": key.Name},
		ReturnValues:             types.ReturnValueAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("repository: Take: %w", err)
	}
	if res == nil || len(res.Attributes) == 0 {
		return false, nil
	}
	return c.decodeLive(res.Attributes, out, "Take")
}

// Delete removes an item. Deleting a missing item is not an error.
func (c *Client) Delete(ctx context.Context, table string, key Key) error {
	if err := key.validate(); err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       key.attributes(),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// ExpireAt returns the Unix-seconds expiry for a record written at now.
func ExpireAt(now time.Time, ttl time.Duration) int64 {
	return now.Add(ttl).Unix()
}

func (c *Client) decodeLive(item map[string]types.AttributeValue, out any, op string) (bool, error) {
	expireAt, err := int64Attr(item, ExpireAtAttr)
	if err != nil {
		return false, fmt.Errorf("repository: %s decode: %w", op, err)
	}
	if expireAt <= c.now().Unix() {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(item, out); err != nil {
		return false, fmt.Errorf("repository: %s unmarshal: %w", op, err)
	}
	return true, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
