package calsync

import (
	"encoding/json"
	"strings"
)

const (
	EventStatusConfirmed = "confirmed"
	EventStatusTentative = "tentative"
	EventStatusCancelled = "cancelled"
)

// EventTime is a provider event boundary: either an all-day date or a
// timestamp with an optional timezone.
type EventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

func (t EventTime) IsZero() bool {
	return t.Date == "" && t.DateTime == ""
}

type Attendee struct {
	Email          string `json:"email,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
	Optional       bool   `json:"optional,omitempty"`
}

// EventRecord is the subsystem's view of one provider event. Fields the
// subsystem reads or writes are typed; everything else the provider sends is
// preserved verbatim in Extra and round-tripped on marshal.
type EventRecord struct {
	ID          string
	Etag        string
	Status      string
	Summary     string
	Description string
	Start       EventTime
	End         EventTime
	Attendees   []Attendee
	Recurrence  []string
	Extra       map[string]json.RawMessage
}

func (e EventRecord) Cancelled() bool {
	return e.Status == EventStatusCancelled
}

func (e EventRecord) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrInvalidInput
	}
	return nil
}

func (e EventRecord) Clone() EventRecord {
	clone := e
	if e.Attendees != nil {
		clone.Attendees = append([]Attendee(nil), e.Attendees...)
	}
	if e.Recurrence != nil {
		clone.Recurrence = append([]string(nil), e.Recurrence...)
	}
	if e.Extra != nil {
		clone.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			clone.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return clone
}

// eventKnownKeys are the provider fields lifted into typed EventRecord
// fields; they are excluded from the Extra bag.
var eventKnownKeys = map[string]struct{}{
	"id":          {},
	"etag":        {},
	"status":      {},
	"summary":     {},
	"description": {},
	"start":       {},
	"end":         {},
	"attendees":   {},
	"recurrence":  {},
}

func (e *EventRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = EventRecord{}
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &e.ID); err != nil {
			return err
		}
	}
	if v, ok := raw["etag"]; ok {
		if err := json.Unmarshal(v, &e.Etag); err != nil {
			return err
		}
	}
	if v, ok := raw["status"]; ok {
		if err := json.Unmarshal(v, &e.Status); err != nil {
			return err
		}
	}
	if v, ok := raw["summary"]; ok {
		if err := json.Unmarshal(v, &e.Summary); err != nil {
			return err
		}
	}
	if v, ok := raw["description"]; ok {
		if err := json.Unmarshal(v, &e.Description); err != nil {
			return err
		}
	}
	if v, ok := raw["start"]; ok {
		if err := json.Unmarshal(v, &e.Start); err != nil {
			return err
		}
	}
	if v, ok := raw["end"]; ok {
		if err := json.Unmarshal(v, &e.End); err != nil {
			return err
		}
	}
	if v, ok := raw["attendees"]; ok {
		if err := json.Unmarshal(v, &e.Attendees); err != nil {
			return err
		}
	}
	if v, ok := raw["recurrence"]; ok {
		if err := json.Unmarshal(v, &e.Recurrence); err != nil {
			return err
		}
	}
	for key, value := range raw {
		if _, known := eventKnownKeys[key]; known {
			continue
		}
		if e.Extra == nil {
			e.Extra = map[string]json.RawMessage{}
		}
		e.Extra[key] = value
	}
	return nil
}

func (e EventRecord) MarshalJSON() ([]byte, error) {
	merged := make(map[string]any, len(e.Extra)+9)
	for key, value := range e.Extra {
		merged[key] = value
	}
	merged["id"] = e.ID
	if e.Etag != "" {
		merged["etag"] = e.Etag
	}
	if e.Status != "" {
		merged["status"] = e.Status
	}
	if e.Summary != "" {
		merged["summary"] = e.Summary
	}
	if e.Description != "" {
		merged["description"] = e.Description
	}
	if !e.Start.IsZero() {
		merged["start"] = e.Start
	}
	if !e.End.IsZero() {
		merged["end"] = e.End
	}
	if len(e.Attendees) > 0 {
		merged["attendees"] = e.Attendees
	}
	if len(e.Recurrence) > 0 {
		merged["recurrence"] = e.Recurrence
	}
	return json.Marshal(merged)
}

// EventPage is one provider list-changes response after pagination has been
// followed to the end: the accumulated items plus the fresh sync cursor.
type EventPage struct {
	Items         []EventRecord `json:"items"`
	NextSyncToken string        `json:"nextSyncToken,omitempty"`
}

// CalendarList is the provider calendarList payload, kept opaque except for
// the entries the HTTP layer exposes.
type CalendarList struct {
	Items []json.RawMessage `json:"items"`
}

// Notification is one provider push message, reduced to the headers the
// subsystem consumes.
type Notification struct {
	ChannelID     string `json:"channelId"`
	ResourceID    string `json:"resourceId,omitempty"`
	ResourceURI   string `json:"resourceUri,omitempty"`
	ResourceState string `json:"resourceState"`
	MessageNumber string `json:"messageNumber,omitempty"`
}

const (
	ResourceStateExists = "exists"
	ResourceStateSync   = "sync"
)

// ProcessableState reports whether a push notification's resource state is
// one the sync pipeline acts on. Anything else is acknowledged and ignored.
func ProcessableState(state string) bool {
	return state == ResourceStateExists || state == ResourceStateSync
}
