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

	"minichat/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skExternal  = "EXT"

	// sortKeyLayout is fixed width so byte order matches time order.
	sortKeyLayout = "2006-01-02T15:04:05.000000000Z"

	defaultListLimit = 50
)

var (
	ErrNotFound  = domain.ErrNotFound
	ErrDuplicate = domain.ErrDuplicate
)

// dynamodbAPI is the minimal DynamoDB interface required by MessageStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// MessageStore persists chat messages in a DynamoDB table. Messages live
// under CONV#{conversationID} sorted by creation time; a marker item
// EXT#{platform}#{externalID} enforces external id uniqueness.
type MessageStore struct {
	api       dynamodbAPI
	tableName string
	retention time.Duration
}

// StoreOption configures a MessageStore.
type StoreOption func(*MessageStore)

// WithRetention sets a TTL on stored items. Zero keeps them forever.
func WithRetention(d time.Duration) StoreOption {
	return func(s *MessageStore) { s.retention = d }
}

// NewMessageStore creates a DynamoDB-backed message store.
func NewMessageStore(api dynamodbAPI, tableName string, opts ...StoreOption) (*MessageStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &MessageStore{api: api, tableName: tableName}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func convPK(conversationID int64) string {
	return "CONV#" + strconv.FormatInt(conversationID, 10)
}

func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(sortKeyLayout) + "#" + id
}

func externalPK(platform, externalID string) string {
	return "EXT#" + platform + "#" + externalID
}

func (s *MessageStore) ttlValue(now time.Time) int64 {
	return now.Add(s.retention).Unix()
}

// Save writes the record. When it carries an external id, the record and
// its uniqueness marker are written in one transaction and a repeat
// returns ErrDuplicate.
func (s *MessageStore) Save(ctx context.Context, rec domain.MessageRecord) error {
	if rec.ID == "" || rec.ConversationID == 0 {
		return errors.New("repository: Save: message id and conversation id are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	item := recordItem(rec)
	if s.retention > 0 {
		item["ttl"] = numAttr(s.ttlValue(time.Now()))
	}
	const notExists = "attribute_not_exists(PK) AND attribute_not_exists(SK)"

	if rec.ExternalMessageID == "" {
		_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String(notExists),
		})
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("repository: Save %s: %w", rec.ID, ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("repository: Save: %w", err)
		}
		return nil
	}

	marker := map[string]types.AttributeValue{
		"PK":             strAttrValue(externalPK(rec.Platform, rec.ExternalMessageID)),
		"SK":             strAttrValue(skExternal),
		"messageId":      strAttrValue(rec.ID),
		"conversationId": numAttr(rec.ConversationID),
	}
	if v, ok := item["ttl"]; ok {
		marker["ttl"] = v
	}
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                item,
					ConditionExpression: aws.String(notExists),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                marker,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if isConditionFailure(err) {
		return fmt.Errorf("repository: Save %s/%s: %w", rec.Platform, rec.ExternalMessageID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, r := range canceled.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// ExistsByExternalID reports whether a message with this platform id was saved.
func (s *MessageStore) ExistsByExternalID(ctx context.Context, externalID, platform string) (bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strAttrValue(externalPK(platform, externalID)),
			"SK": strAttrValue(skExternal),
		},
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		return false, fmt.Errorf("repository: ExistsByExternalID get item: %w", err)
	}
	return out != nil && len(out.Item) > 0, nil
}

// ListByConversation returns up to limit of the newest messages of a
// conversation, oldest first.
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strAttrValue(convPK(conversationID)),
			":prefix": strAttrValue(skPrefixMsg),
		},
		// Read newest first so LIMIT keeps the most recent messages.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListByConversation query: %w", err)
	}

	recs := make([]domain.MessageRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToRecord(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListByConversation unmarshal: %w", err)
		}
		recs = append(recs, rec)
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func recordItem(rec domain.MessageRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             strAttrValue(convPK(rec.ConversationID)),
		"SK":             strAttrValue(msgSK(rec.CreatedAt, rec.ID)),
		"messageId":      strAttrValue(rec.ID),
		"conversationId": numAttr(rec.ConversationID),
		"channelId":      numAttr(rec.ChannelID),
		"senderId":       strAttrValue(rec.SenderID),
		"recipientId":    strAttrValue(rec.RecipientID),
		"direction":      strAttrValue(rec.Direction),
		"text":           strAttrValue(rec.Text),
		"platform":       strAttrValue(rec.Platform),
		"createdAt":      strAttrValue(rec.CreatedAt.UTC().Format(time.RFC3339Nano)),
	}
	if rec.ExternalMessageID != "" {
		item["externalMessageId"] = strAttrValue(rec.ExternalMessageID)
	}
	if len(rec.Attachments) > 0 {
		list := make([]types.AttributeValue, 0, len(rec.Attachments))
		for _, a := range rec.Attachments {
			list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"type": strAttrValue(a.Type),
				"url":  strAttrValue(a.URL),
			}})
		}
		item["attachments"] = &types.AttributeValueMemberL{Value: list}
	}
	return item
}

func itemToRecord(item map[string]types.AttributeValue) (domain.MessageRecord, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	convID, err := int64Attr(item, "conversationId")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.MessageRecord{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}
	rec := domain.MessageRecord{
		ID:             id,
		ConversationID: convID,
		CreatedAt:      createdAt,
	}
	rec.ChannelID, _ = int64Attr(item, "channelId")
	rec.ExternalMessageID, _ = strAttr(item, "externalMessageId")
	rec.SenderID, _ = strAttr(item, "senderId")
	rec.RecipientID, _ = strAttr(item, "recipientId")
	rec.Direction, _ = strAttr(item, "direction")
	rec.Text, _ = strAttr(item, "text")
	rec.Platform, _ = strAttr(item, "platform")

	if l, ok := item["attachments"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				continue
			}
			typ, _ := strAttr(m.Value, "type")
			url, _ := strAttr(m.Value, "url")
			rec.Attachments = append(rec.Attachments, domain.Attachment{Type: typ, URL: url})
		}
	}
	return rec, nil
}

func strAttrValue(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
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

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
