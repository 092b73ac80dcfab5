package schema

import "testing"

func TestRecordValidate(t *testing.T) {
	rec := Record{ID: "r1", UserID: "u1", UpdatedAt: 100}
	if err := rec.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	cases := []struct {
		name string
		rec  Record
	}{
		{"missing id", Record{UserID: "u1"}},
		{"missing user", Record{ID: "r1"}},
		{"negative timestamp", Record{ID: "r1", UserID: "u1", UpdatedAt: -5}},
	}
	for _, tc := range cases {
		if err := tc.rec.Validate(); err == nil {
			t.Errorf("%s: expected validation error, got nil", tc.name)
		}
	}
}

func TestEffectiveUpdatedAt(t *testing.T) {
	const now = int64(9999)

	rec := Record{ID: "r1", UserID: "u1", UpdatedAt: 500}
	if got := rec.EffectiveUpdatedAt(now); got != 500 {
		t.Errorf("expected server timestamp 500, got %d", got)
	}

	// Legacy record: fall back to the createdAt field. JSON decoding yields
	// float64 for numbers.
	legacy := Record{ID: "r2", UserID: "u1", Fields: map[string]any{"createdAt": float64(333)}}
	if got := legacy.EffectiveUpdatedAt(now); got != 333 {
		t.Errorf("expected createdAt fallback 333, got %d", got)
	}

	bare := Record{ID: "r3", UserID: "u1"}
	if got := bare.EffectiveUpdatedAt(now); got != now {
		t.Errorf("expected now fallback %d, got %d", now, got)
	}

	// Non-numeric createdAt falls through to now.
	odd := Record{ID: "r4", UserID: "u1", Fields: map[string]any{"createdAt": "yesterday"}}
	if got := odd.EffectiveUpdatedAt(now); got != now {
		t.Errorf("expected now fallback for non-numeric createdAt, got %d", got)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	rec := Record{ID: "r1", UserID: "u1", Fields: map[string]any{"number": "4111", "label": "personal"}}
	data, err := rec.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out Record
	if err := out.UnmarshalPayload(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Fields["label"] != "personal" {
		t.Errorf("expected label field to survive, got %v", out.Fields)
	}

	empty := Record{ID: "r2", UserID: "u1"}
	data, err = empty.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal of nil fields failed: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("expected empty object for nil fields, got %s", data)
	}
}

func TestChunkID(t *testing.T) {
	if got := ChunkID("u1", "cards", 3); got != "u1_cards_3" {
		t.Errorf("unexpected chunk id %q", got)
	}
}

func TestNewChunk(t *testing.T) {
	records := []Record{
		{ID: "a", UserID: "u1", UpdatedAt: 10},
		{ID: "b", UserID: "u1", UpdatedAt: 30},
		{ID: "c", UserID: "u1", UpdatedAt: 20},
	}
	chunk := NewChunk("u1", "cards", 0, records)

	if chunk.ID != "u1_cards_0" {
		t.Errorf("unexpected chunk id %q", chunk.ID)
	}
	if chunk.Timestamp != 30 {
		t.Errorf("expected timestamp 30 (max UpdatedAt), got %d", chunk.Timestamp)
	}
	if chunk.Count != 3 {
		t.Errorf("expected count 3, got %d", chunk.Count)
	}
	if err := chunk.Validate(); err != nil {
		t.Errorf("fresh chunk failed validation: %v", err)
	}
}

func TestChunkValidate(t *testing.T) {
	chunk := NewChunk("u1", "cards", 0, []Record{{ID: "a", UserID: "u1", UpdatedAt: 10}})

	bad := chunk
	bad.Count = 7
	if err := bad.Validate(); err == nil {
		t.Error("expected count mismatch to fail validation")
	}

	bad = chunk
	bad.ID = "wrong_key"
	if err := bad.Validate(); err == nil {
		t.Error("expected mismatched key to fail validation")
	}

	bad = chunk
	bad.Timestamp = 5
	if err := bad.Validate(); err == nil {
		t.Error("expected record newer than chunk timestamp to fail validation")
	}
}
