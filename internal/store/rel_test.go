package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/chronicle/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestCurrentRowToRecord(t *testing.T) {
	detail, _ := json.Marshal(relDetail{
		OperationID: "trustCheckIn",
		Payload:     map[string]any{"x": float64(1)},
		Stores:      []string{"rel", "kv", "vec"},
	})
	tags, _ := json.Marshal([]string{"morning", "ritual"})

	rec := currentRowToRecord(
		"rec-1",
		"2025-06-01T12:00:00Z",
		"trustCheckIn",
		string(detail),
		"s1",
		strPtr("user"),
		strPtr("info"),
		strPtr(string(tags)),
	)

	if rec.ID != "rec-1" || rec.OperationID != "trustCheckIn" || rec.SessionID != "s1" {
		t.Fatalf("row mapping wrong: %+v", rec)
	}
	if rec.Who != "user" || rec.Level != domain.LevelInfo {
		t.Fatalf("voice/level mapping wrong: %+v", rec)
	}
	if len(rec.Tags) != 2 || rec.Tags[0] != "morning" {
		t.Fatalf("tags = %v", rec.Tags)
	}
	if !rec.Timestamp.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", rec.Timestamp)
	}
	// rel leads the stores set; the rest come from detail.
	if len(rec.Stores) != 3 || rec.Stores[0] != "rel" {
		t.Fatalf("stores = %v", rec.Stores)
	}
	if rec.Payload["x"] != float64(1) {
		t.Fatalf("payload = %v", rec.Payload)
	}
}

func TestCurrentRowErrorKind(t *testing.T) {
	detail, _ := json.Marshal(relDetail{OperationID: "mediaWisdom"})
	rec := currentRowToRecord(
		"rec-2",
		"2025-06-01T12:00:00Z",
		"mediaWisdom_error",
		string(detail),
		"s1",
		nil,
		strPtr("error"),
		nil,
	)
	if rec.Kind != "mediaWisdom_error" || rec.Level != domain.LevelError {
		t.Fatalf("error row mapping wrong: %+v", rec)
	}
}

func TestCurrentRowFallsBackToKindForOperation(t *testing.T) {
	rec := currentRowToRecord("rec-3", "2025-06-01T12:00:00Z", "values", "{}", "s1", nil, nil, nil)
	if rec.OperationID != "values" {
		t.Fatalf("operationId fallback = %q", rec.OperationID)
	}
	if rec.Level != domain.LevelInfo {
		t.Fatalf("default level = %q", rec.Level)
	}
}

func TestLegacyRowToRecord(t *testing.T) {
	payload := `{"note":"hello"}`
	rec := legacyRowToRecord("old-1", "2024-01-15T08:30:00Z", "trust_check_in", &payload)

	if rec.OperationID != "trust_check_in" || rec.Kind != "trust_check_in" {
		t.Fatalf("legacy aliasing wrong: %+v", rec)
	}
	if len(rec.Stores) != 1 || rec.Stores[0] != "rel" {
		t.Fatalf("legacy stores = %v, want [rel]", rec.Stores)
	}
	if rec.Payload["note"] != "hello" {
		t.Fatalf("legacy payload = %v", rec.Payload)
	}
	if rec.Level != domain.LevelInfo {
		t.Fatalf("legacy level = %q", rec.Level)
	}
}

func TestLegacyRowTolerates(t *testing.T) {
	// Unparseable payload and timestamp must not drop the row.
	bad := "not json"
	rec := legacyRowToRecord("old-2", "garbage", "values", &bad)
	if rec.ID != "old-2" {
		t.Fatal("row lost")
	}
	if rec.Payload != nil {
		t.Fatalf("payload = %v, want nil", rec.Payload)
	}
}
