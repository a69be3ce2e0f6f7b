package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/chadiek/voice-agent/internal/agent"
)

const skState = "STATE"

// dynamodbAPI is the part of the DynamoDB client the store needs.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDB stores each session as a single item in a PK/SK table.
type DynamoDB struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoDB wraps api, usually a *dynamodb.Client.
func NewDynamoDB(api dynamodbAPI, tableName string) (*DynamoDB, error) {
	if api == nil {
		return nil, errors.New("storage: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("storage: dynamodb table name must not be empty")
	}
	return &DynamoDB{api: api, tableName: tableName}, nil
}

func sessionPK(id string) string { return "SESSION#" + id }

func (d *DynamoDB) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

func (d *DynamoDB) Load(ctx context.Context, id string) (*agent.SessionState, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: dynamodb get %s: %w", id, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, agent.ErrSessionNotFound
	}
	raw, ok := out.Item["state"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("storage: dynamodb item %s has no state attribute", id)
	}
	var st agent.SessionState
	if err := json.Unmarshal([]byte(raw.Value), &st); err != nil {
		return nil, fmt.Errorf("storage: decode session %s: %w", id, err)
	}
	return &st, nil
}

func (d *DynamoDB) Save(ctx context.Context, st *agent.SessionState) error {
	state, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("storage: encode session %s: %w", st.ID, err)
	}
	item := d.key(st.ID)
	item["sessionId"] = &types.AttributeValueMemberS{Value: st.ID}
	item["state"] = &types.AttributeValueMemberS{Value: string(state)}
	item["stage"] = &types.AttributeValueMemberS{Value: string(st.Stage)}
	item["callCount"] = &types.AttributeValueMemberN{Value: strconv.Itoa(st.CallCount)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: st.UpdatedAt.UTC().Format(time.RFC3339Nano)}

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("storage: dynamodb put %s: %w", st.ID, err)
	}
	return nil
}
