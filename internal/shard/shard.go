// Package shard provides partition key generation for the lookup and claim tables.
package shard

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
)

// LookupPartition computes the sharded partition key of a lookup row.
// With numShards=1, all lookup keys of a scope go to shard "00".
// With numShards>1, lookup keys are distributed across shards by hash.
func LookupPartition(scope, lookupKey string, numShards int) string {
	if numShards <= 1 {
		return fmt.Sprintf("%s#00", scope)
	}
	h := fnv.New32a()
	h.Write([]byte(lookupKey))
	shard := h.Sum32() % uint32(numShards)
	return fmt.Sprintf("%s#%02x", scope, shard)
}

// ScopeOf returns the scope a lookup partition was computed from.
func ScopeOf(partition string) string {
	if i := strings.LastIndexByte(partition, '#'); i >= 0 {
		return partition[:i]
	}
	return partition
}

// ClaimKey computes a hash-distributed partition key for a uniqueness claim.
// Each component is length-prefixed so that ("ab","c") and ("a","bc") differ.
func ClaimKey(attribute, scope string, values ...string) string {
	var b strings.Builder
	writePart(&b, attribute)
	writePart(&b, scope)
	for _, v := range values {
		writePart(&b, v)
	}
	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:16])
}

func writePart(b *strings.Builder, s string) {
	fmt.Fprintf(b, "%d:%s#", len(s), s)
}

// Digest returns the MD5 hex digest of value, used for hashed lookup keys.
func Digest(value string) string {
	h := md5.Sum([]byte(value))
	return hex.EncodeToString(h[:])
}
