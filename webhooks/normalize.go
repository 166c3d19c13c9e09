package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
)

type deliveryPayload struct {
	Object string          `json:"object"`
	Entry  []deliveryEntry `json:"entry"`
}

type deliveryEntry struct {
	ID      flexString       `json:"id"`
	Time    flexString       `json:"time"`
	Changes []deliveryChange `json:"changes"`
}

type deliveryChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// flexString accepts JSON strings and numbers; Graph sends ids as either.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// DeliveryID derives the idempotency key of one change from identifiers
// Graph repeats on every retry of the same delivery.
func DeliveryID(object, entryID, entryTime, field string, index int) string {
	return strings.Join([]string{object, entryID, entryTime, field, strconv.Itoa(index)}, ":")
}

// Normalize splits a verified delivery into one event per entry change.
// Changes missing a field are skipped; an unparsable body is a client error.
func Normalize(raw []byte, receivedAt time.Time) ([]core.WebhookEvent, error) {
	var payload deliveryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, malformedPayload("webhook body is not valid JSON", err)
	}
	object := strings.TrimSpace(payload.Object)
	if object == "" {
		return nil, malformedPayload("webhook body has no object", nil)
	}

	events := make([]core.WebhookEvent, 0, len(payload.Entry))
	for _, entry := range payload.Entry {
		entryID := string(entry.ID)
		if entryID == "" {
			continue
		}
		for index, change := range entry.Changes {
			field := strings.TrimSpace(change.Field)
			if field == "" {
				continue
			}
			normalized := map[string]any{
				"object":    object,
				"entry_id":  entryID,
				"field":     field,
				"object_id": changeObjectID(change.Value, entryID),
			}
			if seconds, err := strconv.ParseInt(string(entry.Time), 10, 64); err == nil {
				normalized["time"] = time.Unix(seconds, 0).UTC().Format(time.RFC3339)
			}
			if len(change.Value) > 0 {
				var value any
				if err := json.Unmarshal(change.Value, &value); err == nil {
					normalized["value"] = value
				}
			}
			events = append(events, core.WebhookEvent{
				DeliveryID:        DeliveryID(object, entryID, string(entry.Time), field, index),
				Object:            object,
				EntryID:           entryID,
				Field:             field,
				RawPayload:        append([]byte(nil), raw...),
				Verified:          true,
				NormalizedPayload: normalized,
				State:             core.EventStateReceived,
				ReceivedAt:        receivedAt,
				UpdatedAt:         receivedAt,
			})
		}
	}
	return events, nil
}

func changeObjectID(value json.RawMessage, fallback string) string {
	var probe struct {
		ID flexString `json:"id"`
	}
	if len(value) > 0 && json.Unmarshal(value, &probe) == nil && probe.ID != "" {
		return string(probe.ID)
	}
	return fallback
}

func malformedPayload(message string, cause error) *core.Failure {
	if cause != nil {
		message = fmt.Sprintf("%s: %v", message, cause)
	}
	return &core.Failure{
		Kind:       core.FailureClientError,
		Reason:     core.ReasonMalformedPayload,
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Cause:      cause,
	}
}
