package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributes(t *testing.T) {
	long := strings.Repeat("x", maxAttributeLength+10)
	attrs := SafeAttributes(
		attribute.String("", "dropped"),
		attribute.String("http.route", long),
		attribute.Int("http.status_code", 200),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if got := len(attrs[0].Value.AsString()); got != maxAttributeLength {
		t.Fatalf("expected truncated value, got length %d", got)
	}
}

func TestSafeError(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil error")
	}
	err := SafeError(errors.New(strings.Repeat("e", maxAttributeLength*2)))
	if len(err.Error()) != maxAttributeLength {
		t.Fatalf("expected truncated error, got %d", len(err.Error()))
	}
}
