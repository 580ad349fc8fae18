package calsync

import (
	"encoding/json"
	"testing"
)

func TestEventRecordPreservesUnknownProviderFields(t *testing.T) {
	raw := []byte(`{
		"id": "ev_1",
		"etag": "\"e1\"",
		"status": "confirmed",
		"summary": "standup",
		"start": {"dateTime": "2026-03-01T09:00:00Z"},
		"end": {"dateTime": "2026-03-01T09:15:00Z"},
		"hangoutLink": "https://meet.example.com/abc",
		"colorId": "7"
	}`)

	var event EventRecord
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if event.ID != "ev_1" || event.Summary != "standup" || event.Start.DateTime == "" {
		t.Fatalf("typed fields not lifted: %+v", event)
	}
	if _, ok := event.Extra["hangoutLink"]; !ok {
		t.Fatalf("unknown field dropped from Extra: %v", event.Extra)
	}

	out, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var roundTrip map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTrip); err != nil {
		t.Fatalf("round-trip decode failed: %v", err)
	}
	if string(roundTrip["hangoutLink"]) != `"https://meet.example.com/abc"` {
		t.Fatalf("unknown field not round-tripped: %s", out)
	}
	if string(roundTrip["colorId"]) != `"7"` {
		t.Fatalf("unknown field not round-tripped: %s", out)
	}
}

func TestEventRecordCloneDoesNotAlias(t *testing.T) {
	event := EventRecord{
		ID:        "ev_1",
		Attendees: []Attendee{{Email: "a@example.com"}},
		Extra:     map[string]json.RawMessage{"colorId": json.RawMessage(`"7"`)},
	}
	clone := event.Clone()
	clone.Attendees[0].Email = "b@example.com"
	clone.Extra["colorId"] = json.RawMessage(`"9"`)

	if event.Attendees[0].Email != "a@example.com" {
		t.Fatalf("clone aliases attendees")
	}
	if string(event.Extra["colorId"]) != `"7"` {
		t.Fatalf("clone aliases extra map")
	}
}

func TestProcessableState(t *testing.T) {
	cases := map[string]bool{
		ResourceStateExists: true,
		ResourceStateSync:   true,
		"not_exists":        false,
		"update":            false,
		"":                  false,
	}
	for state, want := range cases {
		if got := ProcessableState(state); got != want {
			t.Errorf("ProcessableState(%q) = %v, want %v", state, got, want)
		}
	}
}
