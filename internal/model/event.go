package model

import (
	"encoding/json"
	"time"
)

// Event is a progress or status notification for one dataset. On the wire it
// is a flat object: {"file_id", "event", "at", ...payload}.
type Event struct {
	DatasetID string
	Name      Status
	Payload   map[string]any
	At        time.Time
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(datasetID string, name Status, payload map[string]any) Event {
	return Event{DatasetID: datasetID, Name: name, Payload: payload, At: time.Now().UTC()}
}

// RoutingKey is the topic used by broker-style consumers.
func (e Event) RoutingKey() string {
	return e.DatasetID + "." + string(e.Name)
}

// MarshalJSON flattens the payload next to the mandatory keys. Payload
// entries never override file_id, event or at.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["file_id"] = e.DatasetID
	out["event"] = string(e.Name)
	if !e.At.IsZero() {
		out["at"] = e.At.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the mandatory keys back out of the flat object.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["file_id"].(string); ok {
		e.DatasetID = v
	}
	if v, ok := raw["event"].(string); ok {
		e.Name = Status(v)
	}
	if v, ok := raw["at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.At = t
		}
	}
	delete(raw, "file_id")
	delete(raw, "event")
	delete(raw, "at")
	if len(raw) > 0 {
		e.Payload = raw
	}
	return nil
}
