package idempotency

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/orderflow-pipeline/internal/aws"
	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client     aws.DynamoDBAPI
	tableName  string
	ttlWindow  time.Duration // how long a record is replayable
	lockWindow time.Duration // how long an IN_PROGRESS marker blocks others
	nowFunc    func() time.Time
	newToken   func() string
}

// NewStore returns a Store over tableName. Completed records are replayable
// for ttlWindow; an in-flight marker blocks other callers for lockWindow.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow, lockWindow time.Duration) *Store {
	return &Store{
		client:     client,
		tableName:  tableName,
		ttlWindow:  ttlWindow,
		lockWindow: lockWindow,
		nowFunc:    time.Now,
		newToken:   uuid.NewString,
	}
}

// ErrConditionFailed is returned when the caller no longer holds the record's lock token.
var ErrConditionFailed = errors.New("conditional check failed")

// Acquire writes an IN_PROGRESS record for key if no live record exists. An
// existing record is replaced only when its TTL elapsed or it is an
// IN_PROGRESS marker whose lock expired.
// Returns (token, true, nil) when acquired; the token must be passed to
// MarkDone or Release.
// Returns ("", false, nil) if a live record exists (caller should Get to inspect).
func (s *Store) Acquire(ctx context.Context, key, orderID string) (string, bool, error) {
	now := s.nowFunc()
	rec := IdempotencyRecord{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		OrderID:        orderID,
		LockToken:      s.newToken(),
		LockExpiresAt:  now.Add(s.lockWindow).UnixMilli(),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return "", false, apperrors.Wrap(err, "marshal record")
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
		ConditionExpression: awsString("attribute_not_exists(idempotency_key) OR expires_at <= :now" +
			" OR #s = :inprogress AND lock_expires_at <= :nowms"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":nowms":      &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return "", false, nil
		}
		return "", false, apperrors.Wrap(err, "acquire idempotency record")
	}

	return rec.LockToken, true, nil
}

// Get retrieves an idempotency record by key. If not found or past its TTL,
// returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "get idempotency record")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec IdempotencyRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal idempotency record")
	}
	if rec.Expired(s.nowFunc()) {
		return nil, nil
	}
	return &rec, nil
}

// MarkDone completes the record held by token with the response to replay.
func (s *Store) MarkDone(ctx context.Context, key, token, responseBody string, responseStatus int) error {
	updatedAt, err := attributevalue.Marshal(s.nowFunc())
	if err != nil {
		return apperrors.Wrap(err, "marshal timestamp")
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      recordKey(key),
		UpdateExpression:         awsString("SET #s = :done, response_body = :rb, response_status = :rs, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :inprogress AND lock_token = :tok"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":       &types.AttributeValueMemberS{Value: StatusDone},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":tok":        &types.AttributeValueMemberS{Value: token},
			":rb":         &types.AttributeValueMemberS{Value: responseBody},
			":rs":         &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)},
			":ua":         updatedAt,
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return apperrors.Wrap(err, "complete idempotency record")
	}
	return nil
}

// Release deletes an IN_PROGRESS record held by token so the request can be
// retried immediately instead of waiting for the lock to expire.
func (s *Store) Release(ctx context.Context, key, token string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:                &s.tableName,
		Key:                      recordKey(key),
		ConditionExpression:      awsString("#s = :inprogress AND lock_token = :tok"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":tok":        &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return apperrors.Wrap(err, "release idempotency record")
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func recordKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
