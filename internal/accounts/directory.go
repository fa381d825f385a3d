// Package accounts is a read-only view of the users table owned by the auth service.
package accounts

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/canteen-orderflow/internal/aws"
)

// Roles assigned by the auth service.
const (
	RoleUser    = "user"
	RoleCanteen = "canteen"
	RoleAdmin   = "admin"
)

const CanteenIndex = "canteen_id-index"

// User is the subset of the user profile that checkout and notifications need.
type User struct {
	UserID    string `dynamodbav:"user_id" json:"id"`
	Name      string `dynamodbav:"name" json:"name"`
	Username  string `dynamodbav:"username,omitempty" json:"username,omitempty"`
	Email     string `dynamodbav:"email" json:"email"`
	Phone     string `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
	Role      string `dynamodbav:"role" json:"role"`
	CanteenID string `dynamodbav:"canteen_id,omitempty" json:"canteenId,omitempty"`
}

// Directory reads users from DynamoDB.
type Directory struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewDirectory(client aws.DynamoDBAPI, tableName string) *Directory {
	return &Directory{client: client, tableName: tableName}
}

// GetUser returns (nil, nil) when the user does not exist.
func (d *Directory) GetUser(ctx context.Context, userID string) (*User, error) {
	out, err := d.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &d.tableName,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var u User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

// CanteenStaff returns the ids of the canteen-role accounts attached to canteenID.
func (d *Directory) CanteenStaff(ctx context.Context, canteenID string) ([]string, error) {
	indexName := CanteenIndex
	input := &dyn.QueryInput{
		TableName:                &d.tableName,
		IndexName:                &indexName,
		KeyConditionExpression:   awsString("canteen_id = :cid"),
		FilterExpression:         awsString("#r = :role"),
		ExpressionAttributeNames: map[string]string{"#r": "role"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid":  &types.AttributeValueMemberS{Value: canteenID},
			":role": &types.AttributeValueMemberS{Value: RoleCanteen},
		},
	}

	var ids []string
	for {
		out, err := d.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query canteen staff: %w", err)
		}
		var users []User
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &users); err != nil {
			return nil, fmt.Errorf("unmarshal users: %w", err)
		}
		for _, u := range users {
			ids = append(ids, u.UserID)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func awsString(s string) *string { return &s }
