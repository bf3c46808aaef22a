package index

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jacentio/rowsaga/internal/shard"
)

// Keys locates a lookup row. Scope groups lookup keys of one index.
type Keys struct {
	Lookup string
	Scope  string
}

// Policy derives the keys of a field value. ok=false means the value is
// ignorable and produces no index entry.
type Policy interface {
	Keys(value any) (keys Keys, ok bool)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(value any) (Keys, bool)

func (f PolicyFunc) Keys(value any) (Keys, bool) {
	return f(value)
}

// Verbatim uses the textual form of the value as lookup key.
func Verbatim() Policy {
	return PolicyFunc(func(value any) (Keys, bool) {
		s := Text(value)
		return Keys{Lookup: s}, s != ""
	})
}

// Digest uses the MD5 hex digest of the textual value, bounding key size.
func Digest() Policy {
	return PolicyFunc(func(value any) (Keys, bool) {
		s := Text(value)
		if s == "" {
			return Keys{}, false
		}
		return Keys{Lookup: shard.Digest(s)}, true
	})
}

// TimeBucket truncates a timestamp to g. Zero or unparsable values are ignorable.
func TimeBucket(g Granularity) Policy {
	return PolicyFunc(func(value any) (Keys, bool) {
		t, ok := TimeOf(value)
		if !ok {
			return Keys{}, false
		}
		return Keys{Lookup: g.Bucket(t)}, true
	})
}

// Scoped sets the scope of every key p produces.
func Scoped(scope string, p Policy) Policy {
	return PolicyFunc(func(value any) (Keys, bool) {
		k, ok := p.Keys(value)
		if !ok {
			return Keys{}, false
		}
		k.Scope = scope
		return k, true
	})
}

// Text returns the canonical textual form of a field value. Nil pointers
// and nil yield "".
func Text(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		if v.IsZero() {
			return ""
		}
		return v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return ""
		}
		return Text(*v)
	case []string:
		return strings.Join(v, ",")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// TimeOf converts a field value holding a timestamp to time.Time. Strings
// must be RFC 3339; numbers are Unix seconds, with fractions for floats.
// Zero is not a timestamp.
func TimeOf(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, !v.IsZero()
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, !t.IsZero()
	case int:
		return unixTime(int64(v))
	case int32:
		return unixTime(int64(v))
	case int64:
		return unixTime(v)
	case uint32:
		return unixTime(int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return time.Time{}, false
		}
		return unixTime(int64(v))
	case float32:
		return floatTime(float64(v))
	case float64:
		return floatTime(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return unixTime(n)
		}
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return floatTime(f)
	default:
		return time.Time{}, false
	}
}

func unixTime(sec int64) (time.Time, bool) {
	return time.Unix(sec, 0).UTC(), sec != 0
}

func floatTime(sec float64) (time.Time, bool) {
	if sec == 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}
