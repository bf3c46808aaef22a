package store

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TTLAttr is the property DynamoDB TTL is configured on.
const TTLAttr = "ttl"

// SetExpiry marks props to expire at t. DynamoDB removes the row some time
// after t; until then every backend already reports it as not found.
func SetExpiry(props Props, t time.Time) {
	props[TTLAttr] = t.Unix()
}

// Expired reports whether props carry a TTL at or before now.
func Expired(props Props, now time.Time) bool {
	ttl, ok := props.Int64(TTLAttr)
	if !ok || ttl == 0 {
		return false
	}
	return ttl <= now.Unix()
}

// IsDeleted checks if a raw DynamoDB item has an expired TTL.
func IsDeleted(item map[string]types.AttributeValue) bool {
	ttlAttr, exists := item[TTLAttr]
	if !exists {
		return false // No TTL = active
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= time.Now().Unix()
}
