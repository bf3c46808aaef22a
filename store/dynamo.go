package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names managed by Dynamo. Props must not use them.
const (
	AttrPartition = "pk"
	AttrRow       = "sk"
	AttrVersion   = "version"
	AttrCreatedAt = "created_at"
	AttrUpdatedAt = "updated_at"
)

// DynamoAPI is the subset of *dynamodb.Client used by Dynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Dynamo is a RowStore over DynamoDB tables with a string pk/sk primary key.
type Dynamo struct {
	client DynamoAPI
	now    func() time.Time
}

// NewDynamo creates a RowStore backed by DynamoDB.
func NewDynamo(client DynamoAPI) *Dynamo {
	return &Dynamo{client: client, now: time.Now}
}

// Create puts a new item guarded by attribute_not_exists(pk). An expired
// item keeps its key until Purge or the TTL service removes it.
func (d *Dynamo) Create(ctx context.Context, key Key, props Props) (Row, error) {
	if !key.Valid() {
		return Row{}, ErrInvalidKey
	}
	now := d.now().UTC()
	row := Row{Key: key, Props: props.Clone(), Version: 1, CreatedAt: now, UpdatedAt: now}

	item, err := marshalRow(row)
	if err != nil {
		return Row{}, err
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(AttrPartition))).
		Build()
	if err != nil {
		return Row{}, fmt.Errorf("build condition: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(key.Table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return Row{}, mapConditionError(err, ErrAlreadyExists)
	}
	return row, nil
}

// Update reads the item, applies mutate and writes it back conditioned on
// the version it read.
func (d *Dynamo) Update(ctx context.Context, key Key, mutate MutateFunc) (Row, error) {
	current, err := d.FindByID(ctx, key)
	if err != nil {
		return Row{}, err
	}

	props, err := mutate(current.Props.Clone())
	if errors.Is(err, ErrUnchanged) {
		return current, nil
	}
	if err != nil {
		return Row{}, err
	}

	next := Row{
		Key:       key,
		Props:     props,
		Version:   current.Version + 1,
		CreatedAt: current.CreatedAt,
		UpdatedAt: d.now().UTC(),
	}
	item, err := marshalRow(next)
	if err != nil {
		return Row{}, err
	}
	expr, err := versionCondition(current.Version)
	if err != nil {
		return Row{}, err
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(key.Table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return Row{}, mapConditionError(err, ErrConcurrentModification)
	}
	return next, nil
}

// DeleteIf deletes the item conditioned on the version confirm inspected.
func (d *Dynamo) DeleteIf(ctx context.Context, key Key, confirm ConfirmFunc) (Row, error) {
	current, err := d.FindByID(ctx, key)
	if err != nil {
		return Row{}, err
	}
	if confirm != nil {
		if err := confirm(current); err != nil {
			return Row{}, err
		}
	}

	expr, err := versionCondition(current.Version)
	if err != nil {
		return Row{}, err
	}
	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(key.Table),
		Key:                       keyAttrs(key),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return Row{}, mapConditionError(err, ErrConcurrentModification)
	}
	return current, nil
}

// Purge deletes an expired item the TTL service has not removed yet,
// conditioned on the version confirm inspected.
func (d *Dynamo) Purge(ctx context.Context, key Key, confirm ConfirmFunc) (Row, error) {
	item, err := d.get(ctx, key)
	if err != nil {
		return Row{}, err
	}
	if item == nil {
		return Row{}, ErrNotFound
	}
	if !IsDeleted(item) {
		return Row{}, ErrNotExpired
	}
	current, err := unmarshalRow(key.Table, item)
	if err != nil {
		return Row{}, err
	}
	if confirm != nil {
		if err := confirm(current); err != nil {
			return Row{}, err
		}
	}

	expr, err := versionCondition(current.Version)
	if err != nil {
		return Row{}, err
	}
	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(key.Table),
		Key:                       keyAttrs(key),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return Row{}, mapConditionError(err, ErrConcurrentModification)
	}
	return current, nil
}

// FindByID retrieves an item with a strongly consistent read, returning
// ErrNotFound if it is missing or its TTL has passed.
func (d *Dynamo) FindByID(ctx context.Context, key Key) (Row, error) {
	item, err := d.get(ctx, key)
	if err != nil {
		return Row{}, err
	}
	if item == nil || IsDeleted(item) {
		return Row{}, ErrNotFound
	}
	return unmarshalRow(key.Table, item)
}

// get reads the raw item, expired or not. A missing item is nil.
func (d *Dynamo) get(ctx context.Context, key Key) (map[string]types.AttributeValue, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(key.Table),
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return result.Item, nil
}

// Query returns all live items of a partition.
func (d *Dynamo) Query(ctx context.Context, table, partition string) ([]Row, error) {
	keyCond := expression.Key(AttrPartition).Equal(expression.Value(partition))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	var rows []Row
	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if IsDeleted(item) {
				continue
			}
			row, err := unmarshalRow(table, item)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func versionCondition(version int64) (expression.Expression, error) {
	cond := expression.Name(AttrVersion).Equal(expression.Value(version))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return expression.Expression{}, fmt.Errorf("build condition: %w", err)
	}
	return expr, nil
}

// mapConditionError maps a failed condition to the sentinel for the operation.
func mapConditionError(err error, onCondition error) error {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return onCondition
	}
	return err
}

func keyAttrs(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPartition: &types.AttributeValueMemberS{Value: key.Partition},
		AttrRow:       &types.AttributeValueMemberS{Value: key.Row},
	}
}

func isManaged(name string) bool {
	switch name {
	case AttrPartition, AttrRow, AttrVersion, AttrCreatedAt, AttrUpdatedAt:
		return true
	}
	return false
}

// marshalRow converts a Row to a DynamoDB item.
func marshalRow(row Row) (map[string]types.AttributeValue, error) {
	clean := make(map[string]any, len(row.Props))
	for k, v := range row.Props {
		if isManaged(k) {
			continue
		}
		clean[k] = v
	}
	item, err := attributevalue.MarshalMap(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal props: %w", err)
	}
	item[AttrPartition] = &types.AttributeValueMemberS{Value: row.Partition}
	item[AttrRow] = &types.AttributeValueMemberS{Value: row.Row}
	item[AttrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(row.Version, 10)}
	item[AttrCreatedAt] = &types.AttributeValueMemberS{Value: row.CreatedAt.Format(time.RFC3339Nano)}
	item[AttrUpdatedAt] = &types.AttributeValueMemberS{Value: row.UpdatedAt.Format(time.RFC3339Nano)}
	return item, nil
}

// RowFromItem converts a raw item of table, such as a stream image, to a Row.
func RowFromItem(table string, item map[string]types.AttributeValue) (Row, error) {
	return unmarshalRow(table, item)
}

// unmarshalRow converts a DynamoDB item to a Row.
func unmarshalRow(table string, raw map[string]types.AttributeValue) (Row, error) {
	row := Row{Key: Key{Table: table}}

	if v, ok := raw[AttrPartition].(*types.AttributeValueMemberS); ok {
		row.Partition = v.Value
	}
	if v, ok := raw[AttrRow].(*types.AttributeValueMemberS); ok {
		row.Row = v.Value
	}
	if v, ok := raw[AttrVersion].(*types.AttributeValueMemberN); ok {
		row.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, v.Value)
	}
	if v, ok := raw[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v.Value)
	}

	rest := make(map[string]types.AttributeValue, len(raw))
	for k, v := range raw {
		if !isManaged(k) {
			rest[k] = v
		}
	}
	props := Props{}
	if err := attributevalue.UnmarshalMap(rest, &props); err != nil {
		return Row{}, fmt.Errorf("unmarshal props: %w", err)
	}
	row.Props = props
	return row, nil
}
