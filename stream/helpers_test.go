package stream

import (
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// --- tableFromARN Tests ---

func TestTableFromARN(t *testing.T) {
	tests := []struct {
		name string
		arn  string
		want string
	}{
		{"stream", "arn:aws:dynamodb:eu-west-1:123456789012:table/users/stream/2024-01-01T00:00:00.000", "users"},
		{"table only", "arn:aws:dynamodb:eu-west-1:123456789012:table/users", "users"},
		{"not a table", "arn:aws:sqs:eu-west-1:123456789012:queue", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tableFromARN(tt.arn); got != tt.want {
				t.Errorf("tableFromARN(%q) = %q, want %q", tt.arn, got, tt.want)
			}
		})
	}
}

// --- getNumberAttr Tests ---

func TestGetNumberAttr_ValidNumber(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"ttl": events.NewNumberAttribute("1234567890"),
	}

	result := getNumberAttr(image, "ttl")
	if result != 1234567890 {
		t.Errorf("expected 1234567890, got %d", result)
	}
}

func TestGetNumberAttr_MissingKey(t *testing.T) {
	var image map[string]events.DynamoDBAttributeValue

	result := getNumberAttr(image, "ttl")
	if result != 0 {
		t.Errorf("expected 0 for nil image, got %d", result)
	}
}

func TestGetNumberAttr_StringAttribute(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"ttl": events.NewStringAttribute("not-a-number"),
	}

	result := getNumberAttr(image, "ttl")
	if result != 0 {
		t.Errorf("expected 0 for string attribute, got %d", result)
	}
}

// --- isTTLRemoval Tests ---

func TestIsTTLRemoval(t *testing.T) {
	ttl := &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: ttlPrincipal}
	tests := []struct {
		name     string
		event    string
		identity *events.DynamoDBUserIdentity
		want     bool
	}{
		{"ttl remove", "REMOVE", ttl, true},
		{"user remove", "REMOVE", nil, false},
		{"other service", "REMOVE", &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "lambda.amazonaws.com"}, false},
		{"modify", "MODIFY", ttl, false},
		{"insert", "INSERT", ttl, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &events.DynamoDBEventRecord{EventName: tt.event, UserIdentity: tt.identity}
			if got := isTTLRemoval(record); got != tt.want {
				t.Errorf("isTTLRemoval() = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- ConvertImage Tests ---

func TestConvertImage_Nested(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"pk":   events.NewStringAttribute("user"),
		"n":    events.NewNumberAttribute("42"),
		"ok":   events.NewBooleanAttribute(true),
		"none": events.NewNullAttribute(),
		"tags": events.NewStringSetAttribute([]string{"a", "b"}),
		"list": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewStringAttribute("x"),
		}),
		"map": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"inner": events.NewNumberAttribute("7"),
		}),
	}

	item := ConvertImage(image)
	if len(item) != len(image) {
		t.Fatalf("expected %d attributes, got %d", len(image), len(item))
	}
	if v, ok := item["pk"].(*types.AttributeValueMemberS); !ok || v.Value != "user" {
		t.Error("expected pk to be 'user'")
	}
	if v, ok := item["n"].(*types.AttributeValueMemberN); !ok || v.Value != "42" {
		t.Error("expected n to be '42'")
	}
	if v, ok := item["ok"].(*types.AttributeValueMemberBOOL); !ok || !v.Value {
		t.Error("expected ok to be true")
	}
	if _, ok := item["none"].(*types.AttributeValueMemberNULL); !ok {
		t.Error("expected none to be NULL")
	}
	if v, ok := item["tags"].(*types.AttributeValueMemberSS); !ok || len(v.Value) != 2 {
		t.Error("expected tags to be a string set of 2")
	}
	if v, ok := item["list"].(*types.AttributeValueMemberL); !ok || len(v.Value) != 1 {
		t.Error("expected list of 1")
	}
	m, ok := item["map"].(*types.AttributeValueMemberM)
	if !ok {
		t.Fatal("expected map")
	}
	if v, ok := m.Value["inner"].(*types.AttributeValueMemberN); !ok || v.Value != "7" {
		t.Error("expected inner to be '7'")
	}
}

func TestConvertImage_Empty(t *testing.T) {
	item := ConvertImage(nil)
	if item == nil {
		t.Fatal("expected non-nil item for nil input")
	}
	if len(item) != 0 {
		t.Errorf("expected empty item, got %d keys", len(item))
	}
}

// --- Benchmark Tests ---

func BenchmarkConvertImage(b *testing.B) {
	image := map[string]events.DynamoDBAttributeValue{
		"pk":         events.NewStringAttribute("credential"),
		"sk":         events.NewStringAttribute("12345678-1234-1234-1234-123456789012"),
		"version":    events.NewNumberAttribute("3"),
		"ttl":        events.NewNumberAttribute("1704067200"),
		"_footprint": events.NewStringAttribute(`{"type":"credential","claims":["0123456789abcdef0123456789abcdef"]}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ConvertImage(image)
	}
}
