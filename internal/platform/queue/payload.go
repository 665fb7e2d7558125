package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dontdude/rabbitq/internal/domain"
)

// Envelope is the wire record carried in every message body.
// The broker never reads it; only producers and consumers touch Attempts.
type Envelope struct {
	Job      string          `json:"job"`
	Data     json.RawMessage `json:"data"`
	Attempts int             `json:"attempts"`
}

// Encode serializes a job envelope as JSON with exactly the fields job, data and attempts.
// data may be any JSON-marshalable value, including json.RawMessage.
func Encode(job string, data any, attempts int) ([]byte, error) {
	if job == "" {
		return nil, domain.ErrEmptyJobName
	}
	if attempts < 0 {
		return nil, fmt.Errorf("attempts must be >= 0, got %d", attempts)
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("marshal job data: %w", err)
	}
	return json.Marshal(Envelope{Job: job, Data: raw, Attempts: attempts})
}

// Decode parses a message body into an Envelope.
// It fails with domain.ErrMalformedPayload when a field is missing or has the wrong type,
// or when the job name is empty.
func Decode(body []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: body is not an object", domain.ErrMalformedPayload)
	}

	var env Envelope
	rawJob, ok := fields["job"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing field %q", domain.ErrMalformedPayload, "job")
	}
	if err := json.Unmarshal(rawJob, &env.Job); err != nil || isNull(rawJob) {
		return Envelope{}, fmt.Errorf("%w: field %q must be a string", domain.ErrMalformedPayload, "job")
	}
	if env.Job == "" {
		return Envelope{}, fmt.Errorf("%w: field %q must not be empty", domain.ErrMalformedPayload, "job")
	}

	rawData, ok := fields["data"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing field %q", domain.ErrMalformedPayload, "data")
	}
	env.Data = append(json.RawMessage(nil), rawData...)

	rawAttempts, ok := fields["attempts"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing field %q", domain.ErrMalformedPayload, "attempts")
	}
	if err := json.Unmarshal(rawAttempts, &env.Attempts); err != nil || isNull(rawAttempts) {
		return Envelope{}, fmt.Errorf("%w: field %q must be an integer", domain.ErrMalformedPayload, "attempts")
	}
	if env.Attempts < 0 {
		return Envelope{}, fmt.Errorf("%w: attempts must be >= 0, got %d", domain.ErrMalformedPayload, env.Attempts)
	}
	return env, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid raw JSON data")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.Marshal(v)
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
