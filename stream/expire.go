// Package stream provides DynamoDB Streams handlers that release what
// expired rows held outside themselves.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/store"
)

// ttlPrincipal is the principal DynamoDB reports for deletions by its TTL sweeper.
const ttlPrincipal = "dynamodb.amazonaws.com"

// Expirer releases the footprint of a removed row.
type Expirer interface {
	Expire(ctx context.Context, row store.Row) error
}

// Flusher publishes what a batch recorded before the invocation ends.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Handler processes DynamoDB stream events for expired rows.
type Handler struct {
	expirer Expirer
	flusher Flusher
	logger  *zap.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(expirer Expirer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		expirer: expirer,
		logger:  logger,
	}
}

// WithFlusher sets a Flusher called after every batch, failed or not.
func (h *Handler) WithFlusher(f Flusher) *Handler {
	h.flusher = f
	return h
}

// HandleExpirations processes DynamoDB stream events and releases the
// claims, links and lookup entries of every row removed by TTL.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleExpirations(ctx context.Context, event events.DynamoDBEvent) error {
	defer h.flush(ctx)
	for _, record := range event.Records {
		if err := h.processRecord(ctx, &record); err != nil {
			h.logger.Error("failed to process record",
				zap.String("eventID", record.EventID),
				zap.Error(err),
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

func (h *Handler) flush(ctx context.Context) {
	if h.flusher == nil {
		return
	}
	if err := h.flusher.Flush(ctx); err != nil {
		h.logger.Warn("failed to flush metrics", zap.Error(err))
	}
}

func (h *Handler) processRecord(ctx context.Context, record *events.DynamoDBEventRecord) error {
	if !isTTLRemoval(record) {
		return nil
	}

	table := tableFromARN(record.EventSourceArn)
	if table == "" {
		return fmt.Errorf("no table in event source %q", record.EventSourceArn)
	}
	row, err := store.RowFromItem(table, ConvertImage(record.Change.OldImage))
	if err != nil {
		return fmt.Errorf("decode old image: %w", err)
	}

	h.logger.Info("processing expired row",
		zap.Stringer("key", row.Key),
		zap.Int64("ttl", getNumberAttr(record.Change.OldImage, store.TTLAttr)),
	)
	return h.expirer.Expire(ctx, row)
}

// isTTLRemoval reports whether record is a deletion by the TTL sweeper.
func isTTLRemoval(record *events.DynamoDBEventRecord) bool {
	if record.EventName != string(events.DynamoDBOperationTypeRemove) || record.UserIdentity == nil {
		return false
	}
	return record.UserIdentity.Type == "Service" && record.UserIdentity.PrincipalID == ttlPrincipal
}

// tableFromARN extracts the table name from a stream ARN of the form
// arn:aws:dynamodb:region:account:table/NAME/stream/LABEL.
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// ConvertImage converts a DynamoDB stream image to an SDK item.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertValue(v); av != nil {
			result[k] = av
		}
	}
	return result
}

func convertValue(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	case events.DataTypeList:
		list := make([]types.AttributeValue, 0, len(v.List()))
		for _, item := range v.List() {
			if av := convertValue(item); av != nil {
				list = append(list, av)
			}
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertImage(v.Map())}
	}
	return nil
}
