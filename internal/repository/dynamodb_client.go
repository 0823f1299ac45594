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

	"lark-bridge/internal/domain"
)

const (
	pkPrefixSession = "SESS#"
	skPrefixTurn    = "TURN#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day retention
	deleteBatchSize = 25                  // BatchWriteItem hard limit
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Store defines the session history operations consumed by the controller.
type Store interface {
	ListTurns(ctx context.Context, sessionKey string) ([]domain.Turn, error)
	AppendTurn(ctx context.Context, sessionKey, question, answer string) error
	ClearSession(ctx context.Context, sessionKey string) error
}

// Client wraps a DynamoDB table holding the per-session turn log.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionKey string) string {
	return pkPrefixSession + sessionKey
}

// skTimeLayout is fixed-width so the lexical sort-key order matches
// chronological order (RFC3339Nano drops trailing zeros and would not).
const skTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// turnSK returns the sort key for a turn; the timestamp encoding gives
// chronological order within a session.
func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(skTimeLayout)
}

// NewTurn constructs an immutable Turn keyed under the session, with
// createdAt set to the current time and size computed at write time.
func NewTurn(sessionKey, question, answer string) domain.Turn {
	now := time.Now().UTC()
	return domain.Turn{
		PK:         sessionPK(sessionKey),
		SK:         turnSK(now),
		SessionKey: sessionKey,
		Question:   question,
		Answer:     answer,
		Size:       len(question) + len(answer),
		CreatedAt:  now,
		TTL:        now.Add(ttlDuration).Unix(),
	}
}

// ListTurns returns every turn for the session in ascending createdAt order.
// A session with no turns yields an empty slice, not an error.
func (c *Client) ListTurns(ctx context.Context, sessionKey string) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionKey)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
	}

	var turns []domain.Turn
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// AppendTurn persists one new turn for the session.
func (c *Client) AppendTurn(ctx context.Context, sessionKey, question, answer string) error {
	turn := NewTurn(sessionKey, question, answer)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// ClearSession deletes every turn for the session. Deletion is batched, not
// transactional: a failure mid-way leaves whatever the store retained and is
// reported to the caller.
func (c *Client) ClearSession(ctx context.Context, sessionKey string) error {
	keys, err := c.turnKeys(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("repository: ClearSession list keys: %w", err)
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		writes := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			writes = append(writes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}

		in := &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: writes},
		}
		for len(in.RequestItems[c.tableName]) > 0 {
			out, err := c.api.BatchWriteItem(ctx, in)
			if err != nil {
				return fmt.Errorf("repository: ClearSession delete batch: %w", err)
			}
			// DynamoDB wants throttled items resubmitted.
			in.RequestItems = out.UnprocessedItems
		}
	}
	return nil
}

// turnKeys queries the PK/SK pairs of every turn in the session.
func (c *Client) turnKeys(ctx context.Context, sessionKey string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionKey)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ProjectionExpression: aws.String("PK, SK"),
	}

	var keys []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			pk, err := strAttr(item, "PK")
			if err != nil {
				return nil, err
			}
			sk, err := strAttr(item, "SK")
			if err != nil {
				return nil, err
			}
			keys = append(keys, map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pk},
				"SK": &types.AttributeValueMemberS{Value: sk},
			})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Turn{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Turn{}, err
	}
	question, err := strAttr(item, "question")
	if err != nil {
		return domain.Turn{}, err
	}
	answer, err := strAttr(item, "answer")
	if err != nil {
		return domain.Turn{}, err
	}
	sessionKey, _ := strAttr(item, "sessionKey") // allow empty
	size, _ := intAttr(item, "size")             // advisory only

	createdRaw, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}

	return domain.Turn{
		PK:         pk,
		SK:         sk,
		SessionKey: sessionKey,
		Question:   question,
		Answer:     answer,
		Size:       size,
		CreatedAt:  createdAt,
	}, nil
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: turn.PK},
		"SK":         &types.AttributeValueMemberS{Value: turn.SK},
		"sessionKey": &types.AttributeValueMemberS{Value: turn.SessionKey},
		"question":   &types.AttributeValueMemberS{Value: turn.Question},
		"answer":     &types.AttributeValueMemberS{Value: turn.Answer},
		"size":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", turn.Size)},
		"createdAt":  &types.AttributeValueMemberS{Value: turn.CreatedAt.Format(skTimeLayout)},
		"ttl":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", turn.TTL)},
	}
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
