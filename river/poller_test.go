package river

import (
	"errors"
	"testing"
	"time"

	"github.com/iansokolskyi/celery-flow/event"
)

func TestNewPoller_RequiresPool(t *testing.T) {
	if _, err := NewPoller(PollerConfig{}); err == nil {
		t.Error("NewPoller without Pool should fail")
	}
}

func TestNewSubscriber_RequiresClient(t *testing.T) {
	if _, err := NewSubscriber(SubscriberConfig{}); err == nil {
		t.Error("NewSubscriber without Client should fail")
	}
}

func TestWatermarkTokens(t *testing.T) {
	zero, err := parseWatermark("")
	if err != nil || !zero.IsZero() {
		t.Errorf("parseWatermark(\"\") = %v, %v; want zero time", zero, err)
	}

	ts := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	got, err := parseWatermark(formatWatermark(ts))
	if err != nil {
		t.Fatalf("parseWatermark error = %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("watermark round trip = %v, want %v", got, ts)
	}

	var invalid *event.InvalidTokenError
	if _, err := parseWatermark("not-a-timestamp"); !errors.As(err, &invalid) {
		t.Errorf("parseWatermark(garbage) error = %v, want InvalidTokenError", err)
	}
}
