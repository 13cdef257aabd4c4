package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type conversationItem struct {
	Phone     string `dynamodbav:"phone"`
	ID        string `dynamodbav:"id"`
	State     string `dynamodbav:"state"`
	Context   string `dynamodbav:"context"`
	Version   int64  `dynamodbav:"version"`
	CreatedAt string `dynamodbav:"createdAt"`
	UpdatedAt string `dynamodbav:"updatedAt"`
}

// DynamoStore persists conversations in a DynamoDB table keyed by phone.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	now       func() time.Time
}

func NewDynamoStore(client dynamoAPI, tableName string) *DynamoStore {
	if client == nil {
		panic("conversation: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("conversation: table name cannot be empty")
	}
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func toItem(conv *Conversation) (map[string]types.AttributeValue, error) {
	rawCtx, err := json.Marshal(conv.Context)
	if err != nil {
		return nil, fmt.Errorf("conversation: encode context: %w", err)
	}
	item, err := attributevalue.MarshalMap(conversationItem{
		Phone:     conv.Phone,
		ID:        conv.ID,
		State:     string(conv.State),
		Context:   string(rawCtx),
		Version:   conv.Version,
		CreatedAt: conv.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: conv.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: marshal item: %w", err)
	}
	return item, nil
}

func fromItem(item map[string]types.AttributeValue) (*Conversation, error) {
	var rec conversationItem
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("conversation: decode item: %w", err)
	}
	conv := &Conversation{
		ID:      rec.ID,
		Phone:   rec.Phone,
		State:   State(rec.State),
		Version: rec.Version,
	}
	if rec.Context != "" {
		if err := json.Unmarshal([]byte(rec.Context), &conv.Context); err != nil {
			return nil, fmt.Errorf("conversation: decode context: %w", err)
		}
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, rec.CreatedAt)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, rec.UpdatedAt)
	return conv, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoStore) GetOrCreate(ctx context.Context, phone string) (*Conversation, error) {
	if phone == "" {
		return nil, fmt.Errorf("%w: empty phone", ErrMalformedInput)
	}
	item, err := toItem(newConversation(phone, s.now()))
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(phone)"),
	})
	if err != nil && !isConditionFailed(err) {
		return nil, fmt.Errorf("conversation: create conversation: %w", err)
	}
	return s.Get(ctx, phone)
}

func (s *DynamoStore) Get(ctx context.Context, phone string) (*Conversation, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"phone": &types.AttributeValueMemberS{Value: phone},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: load conversation: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return fromItem(out.Item)
}

func (s *DynamoStore) Save(ctx context.Context, conv *Conversation) error {
	if err := validateSave(conv); err != nil {
		return err
	}
	next := conv.Clone()
	next.Version++
	next.UpdatedAt = s.now()
	item, err := toItem(next)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(phone) OR #version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(conv.Version, 10)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("conversation: save conversation: %w", err)
	}
	conv.Version = next.Version
	conv.UpdatedAt = next.UpdatedAt
	return nil
}

var _ Store = (*DynamoStore)(nil)
