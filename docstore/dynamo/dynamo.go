// Package dynamo implements docstore.Store on a DynamoDB table.
package dynamo

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cssvb94/VectorLiteDB/codec"
	"github.com/cssvb94/VectorLiteDB/docstore"
	"github.com/cssvb94/VectorLiteDB/knowledge"
)

var _ docstore.Store = (*Store)(nil)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store persists entries as codec-encoded items. DynamoDB scans carry no
// order, so every item records a monotonic seq attribute assigned at first
// write; All sorts by it client-side to recover first-write order.
//
// Table schema:
//   - Partition key: id (string) - the entry id
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name knowledge-entries \
//	  --attribute-definitions AttributeName=id,AttributeType=S \
//	  --key-schema AttributeName=id,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type Store struct {
	client    DDBClient
	tableName string
	codec     codec.Codec
	seq       atomic.Int64
}

// New creates a store on the given table. The priming scan recovers the
// highest assigned seq so new writes continue after it. A nil codec uses
// codec.Default.
func New(ctx context.Context, client DDBClient, tableName string, c codec.Codec) (*Store, error) {
	if c == nil {
		c = codec.Default
	}

	s := &Store{
		client:    client,
		tableName: tableName,
		codec:     c,
	}

	maxSeq, err := s.maxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("priming seq from table %s: %w", tableName, err)
	}
	s.seq.Store(maxSeq)
	return s, nil
}

// Get returns the entry for id.
func (s *Store) Get(ctx context.Context, id string) (*knowledge.Entry, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting entry %s: %w", id, err)
	}
	if len(resp.Item) == 0 {
		return nil, fmt.Errorf("entry %s: %w", id, docstore.ErrNotFound)
	}
	return s.decodeItem(resp.Item)
}

// Put inserts or replaces the entry under its id. if_not_exists keeps the
// seq of an existing item, so replacing never reorders scans.
func (s *Store) Put(ctx context.Context, entry *knowledge.Entry) error {
	doc, err := s.codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", entry.ID, err)
	}

	next := s.seq.Add(1)
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: entry.ID},
		},
		UpdateExpression: aws.String("SET #doc = :doc, #del = :del, #seq = if_not_exists(#seq, :seq)"),
		ExpressionAttributeNames: map[string]string{
			"#doc": "doc",
			"#del": "is_deleted",
			"#seq": "seq",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":doc": &types.AttributeValueMemberB{Value: doc},
			":del": &types.AttributeValueMemberBOOL{Value: entry.IsDeleted},
			":seq": &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("putting entry %s: %w", entry.ID, err)
	}
	return nil
}

// Delete removes the entry. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting entry %s: %w", id, err)
	}
	return nil
}

// All iterates entries in first-write order.
func (s *Store) All(ctx context.Context) iter.Seq2[*knowledge.Entry, error] {
	return func(yield func(*knowledge.Entry, error) bool) {
		type seqEntry struct {
			seq   int64
			entry *knowledge.Entry
		}

		var collected []seqEntry

		input := &dynamodb.ScanInput{TableName: aws.String(s.tableName)}
		for {
			resp, err := s.client.Scan(ctx, input)
			if err != nil {
				yield(nil, fmt.Errorf("scanning table %s: %w", s.tableName, err))
				return
			}
			for _, item := range resp.Items {
				e, err := s.decodeItem(item)
				if err != nil {
					yield(nil, err)
					return
				}
				collected = append(collected, seqEntry{seq: itemSeq(item), entry: e})
			}
			if len(resp.LastEvaluatedKey) == 0 {
				break
			}
			input.ExclusiveStartKey = resp.LastEvaluatedKey
		}

		sort.SliceStable(collected, func(i, j int) bool {
			if collected[i].seq != collected[j].seq {
				return collected[i].seq < collected[j].seq
			}
			return collected[i].entry.ID < collected[j].entry.ID
		})

		for _, se := range collected {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(se.entry, nil) {
				return
			}
		}
	}
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var total int

	input := &dynamodb.ScanInput{
		TableName: aws.String(s.tableName),
		Select:    types.SelectCount,
	}
	for {
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return 0, fmt.Errorf("counting table %s: %w", s.tableName, err)
		}
		total += int(resp.Count)
		if len(resp.LastEvaluatedKey) == 0 {
			return total, nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

// Close is a no-op; the DynamoDB client is owned by the caller.
func (s *Store) Close() error { return nil }

func (s *Store) decodeItem(item map[string]types.AttributeValue) (*knowledge.Entry, error) {
	docAttr, ok := item["doc"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("table %s: item without doc attribute", s.tableName)
	}

	var e knowledge.Entry
	if err := s.codec.Unmarshal(docAttr.Value, &e); err != nil {
		return nil, fmt.Errorf("decoding entry item: %w", err)
	}
	return &e, nil
}

func (s *Store) maxSeq(ctx context.Context) (int64, error) {
	var maxSeq int64

	input := &dynamodb.ScanInput{
		TableName:                aws.String(s.tableName),
		ProjectionExpression:     aws.String("#seq"),
		ExpressionAttributeNames: map[string]string{"#seq": "seq"},
	}
	for {
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return 0, err
		}
		for _, item := range resp.Items {
			if sv := itemSeq(item); sv > maxSeq {
				maxSeq = sv
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return maxSeq, nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

func itemSeq(item map[string]types.AttributeValue) int64 {
	attr, ok := item["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
