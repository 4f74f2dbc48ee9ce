package kvstore

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
	attrPK    = "PK"
	attrN     = "n"
	attrItems = "items"
	attrTTL   = "ttl"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDB.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDB is a Store over a single table keyed by PK. Scalars live in the
// "n" attribute, lists in "items", and expiry in the table's TTL attribute
// "ttl" (epoch seconds). DynamoDB deletes expired items lazily, so every read
// re-checks ttl and treats an expired item as absent.
type DynamoDB struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoDB creates a DynamoDB-backed Store.
func NewDynamoDB(api dynamodbAPI, tableName string) (*DynamoDB, error) {
	if api == nil {
		return nil, errors.New("kvstore: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("kvstore: table name must not be empty")
	}
	return &DynamoDB{api: api, tableName: tableName, now: time.Now}, nil
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: key}}
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (d *DynamoDB) expiresAt(ttl time.Duration) int64 {
	return d.now().Add(ttl).Unix()
}

func (d *DynamoDB) expired(item map[string]types.AttributeValue) bool {
	v, ok := item[attrTTL].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ts, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return false
	}
	return ts <= d.now().Unix()
}

func (d *DynamoDB) getLive(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 || d.expired(out.Item) {
		return nil, nil
	}
	return out.Item, nil
}

func (d *DynamoDB) SetInt(ctx context.Context, key string, v int64, ttl time.Duration) error {
	item := keyAttr(key)
	item[attrN] = numAttr(v)
	if ttl > 0 {
		item[attrTTL] = numAttr(d.expiresAt(ttl))
	}
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("kvstore: SetInt %q: %w", key, err)
	}
	return nil
}

func (d *DynamoDB) GetInt(ctx context.Context, key string) (int64, bool, error) {
	item, err := d.getLive(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("kvstore: GetInt %q: %w", key, err)
	}
	if item == nil {
		return 0, false, nil
	}
	v, ok := item[attrN].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("kvstore: GetInt %q decode: %w", key, err)
	}
	return n, true, nil
}

func (d *DynamoDB) Push(ctx context.Context, key, value string, ttl time.Duration) (int, error) {
	entry := &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: value}}}
	values := map[string]types.AttributeValue{
		":v":     entry,
		":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":now":   numAttr(d.now().Unix()),
	}
	update := "SET #items = list_append(if_not_exists(#items, :empty), :v)"
	if ttl > 0 {
		update += ", #ttl = :ttl"
		values[":ttl"] = numAttr(d.expiresAt(ttl))
	}

	out, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       keyAttr(key),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_not_exists(#ttl) OR #ttl > :now"),
		ExpressionAttributeNames:  map[string]string{"#items": attrItems, "#ttl": attrTTL},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		// The list expired but has not been reaped yet: start a fresh one.
		item := keyAttr(key)
		item[attrItems] = entry
		if ttl > 0 {
			item[attrTTL] = values[":ttl"]
		}
		if _, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.tableName), Item: item}); err != nil {
			return 0, fmt.Errorf("kvstore: Push %q reset: %w", key, err)
		}
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kvstore: Push %q: %w", key, err)
	}
	if out == nil {
		return 0, nil
	}
	items, _ := out.Attributes[attrItems].(*types.AttributeValueMemberL)
	if items == nil {
		return 0, nil
	}
	return len(items.Value), nil
}

func (d *DynamoDB) TrimToLast(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return d.Delete(ctx, key)
	}
	items, err := d.List(ctx, key)
	if err != nil {
		return fmt.Errorf("kvstore: TrimToLast %q: %w", key, err)
	}
	drop := len(items) - n
	if drop <= 0 {
		return nil
	}
	paths := make([]string, drop)
	for i := range paths {
		paths[i] = fmt.Sprintf("#items[%d]", i)
	}
	_, err = d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.tableName),
		Key:                      keyAttr(key),
		UpdateExpression:         aws.String("REMOVE " + strings.Join(paths, ", ")),
		ConditionExpression:      aws.String("size(#items) = :len"),
		ExpressionAttributeNames: map[string]string{"#items": attrItems},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":len": numAttr(int64(len(items))),
		},
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		// A concurrent push changed the length; the next append trims again.
		return nil
	}
	if err != nil {
		return fmt.Errorf("kvstore: TrimToLast %q: %w", key, err)
	}
	return nil
}

func (d *DynamoDB) List(ctx context.Context, key string) ([]string, error) {
	item, err := d.getLive(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kvstore: List %q: %w", key, err)
	}
	return listValues(item), nil
}

func (d *DynamoDB) Take(ctx context.Context, key string) ([]string, error) {
	out, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.tableName),
		Key:          keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: Take %q: %w", key, err)
	}
	if out == nil || len(out.Attributes) == 0 || d.expired(out.Attributes) {
		return nil, nil
	}
	return listValues(out.Attributes), nil
}

func (d *DynamoDB) Delete(ctx context.Context, key string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       keyAttr(key),
	})
	if err != nil {
		return fmt.Errorf("kvstore: Delete %q: %w", key, err)
	}
	return nil
}

func listValues(item map[string]types.AttributeValue) []string {
	l, ok := item[attrItems].(*types.AttributeValueMemberL)
	if !ok || len(l.Value) == 0 {
		return nil
	}
	out := make([]string, 0, len(l.Value))
	for _, v := range l.Value {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			out = append(out, s.Value)
		}
	}
	return out
}
