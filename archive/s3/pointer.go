package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mnemo-db/mnemo/archive"
)

// DDBClient is the subset of the DynamoDB API the pointer table uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitLatest records the snapshot as one item keyed by its sequence.
// The conditional put makes replays of an already committed sequence
// fail, and Latest always resolves to the highest sequence, so the
// pointer never moves backward.
func (s *Store) CommitLatest(ctx context.Context, seq uint64, name string) error {
	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"archive": &types.AttributeValueMemberS{Value: s.partition},
			"seq":     &types.AttributeValueMemberN{Value: strconv.FormatUint(seq, 10)},
			"object":  &types.AttributeValueMemberS{Value: name},
		},
		ConditionExpression: aws.String("attribute_not_exists(seq)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return archive.ErrStale
		}
		return fmt.Errorf("commit seq %d: %w", seq, err)
	}
	return nil
}

// Latest queries the partition in descending sequence order.
func (s *Store) Latest(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("archive = :archive"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":archive": &types.AttributeValueMemberS{Value: s.partition},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query latest: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", archive.ErrNotFound
	}

	item := resp.Items[0]
	seqAttr, ok := item["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: malformed seq attribute")
	}
	nameAttr, ok := item["object"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: malformed object attribute")
	}

	seq, err := strconv.ParseUint(seqAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse seq: %w", err)
	}
	return seq, nameAttr.Value, nil
}
