package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrKey   = "PK"
	attrValue = "value"
	attrTTL   = "ttl"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore maps the key-value contract onto a single-key DynamoDB table
// whose TTL attribute is "ttl" (epoch seconds).
//
// DynamoDB deletes expired items lazily, so reads filter on the ttl attribute
// themselves.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a DynamoStore for tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: key},
	}
}

// getItem fetches the live item for key, hiding expired ones.
func (c *DynamoStore) getItem(ctx context.Context, op, key string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: %s get item: %w", op, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	if c.expired(out.Item) {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

func (c *DynamoStore) expired(item map[string]types.AttributeValue) bool {
	deadline, ok := ttlAttr(item)
	return ok && !c.now().Before(deadline)
}

// Get returns the stored value for key.
func (c *DynamoStore) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := c.getItem(ctx, "Get", key)
	if err != nil {
		return nil, err
	}
	value, err := strAttr(item, attrValue)
	if err != nil {
		return nil, fmt.Errorf("repository: Get decode: %w", err)
	}
	return []byte(value), nil
}

// Set replaces the item for key, refreshing its ttl attribute.
func (c *DynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := map[string]types.AttributeValue{
		attrKey:   &types.AttributeValueMemberS{Value: key},
		attrValue: &types.AttributeValueMemberS{Value: string(value)},
	}
	if deadline := expiresAt(c.now(), ttl); !deadline.IsZero() {
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(deadline.Unix(), 10)}
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: Set: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       keyAttr(key),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key.
func (c *DynamoStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	item, err := c.getItem(ctx, "TTL", key)
	if err != nil {
		return 0, err
	}
	deadline, ok := ttlAttr(item)
	if !ok {
		return 0, nil
	}
	return remaining(c.now(), deadline), nil
}

// Keys scans the table for live keys starting with prefix.
func (c *DynamoStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	in := &dynamodb.ScanInput{
		TableName:            aws.String(c.tableName),
		FilterExpression:     aws.String("begins_with(#pk, :prefix)"),
		ProjectionExpression: aws.String("#pk, #ttl"),
		ExpressionAttributeNames: map[string]string{
			"#pk":  attrKey,
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	}

	keys := make([]string, 0)
	for {
		out, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Keys scan: %w", err)
		}
		for _, item := range out.Items {
			if c.expired(item) {
				continue
			}
			key, err := strAttr(item, attrKey)
			if err != nil {
				return nil, fmt.Errorf("repository: Keys decode: %w", err)
			}
			keys = append(keys, key)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return keys, nil
}

// Ping checks that the table is reachable.
func (c *DynamoStore) Ping(ctx context.Context) error {
	_, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	if err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func ttlAttr(item map[string]types.AttributeValue) (time.Time, bool) {
	if _, ok := item[attrTTL]; !ok {
		return time.Time{}, false
	}
	secs, err := intAttr(item, attrTTL)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0), true
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
