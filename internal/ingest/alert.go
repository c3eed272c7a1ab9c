// Package ingest receives security-alert payloads from the monitoring
// agent, validates them, fingerprints the raw log and commits the
// record to the ledger.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedInput means the inbound payload is missing a required
// field or has the wrong shape. The caller's fault; nothing is
// committed and the request is not retried.
var ErrMalformedInput = errors.New("malformed alert payload")

// Alert is the validated, extracted form of an inbound agent payload.
type Alert struct {
	LogID       string
	AgentID     string
	Level       uint8
	Description string
	RawLog      string
}

// envelope is the outer webhook body: the agent delivers the alert as a
// JSON-encoded string under "message".
type envelope struct {
	Message *string `json:"message"`
}

// agentMessage mirrors the embedded alert JSON. Pointer fields
// distinguish absent from zero-valued.
type agentMessage struct {
	ID    *string `json:"id"`
	Agent *struct {
		ID *string `json:"id"`
	} `json:"agent"`
	Rule *struct {
		Level       *int    `json:"level"`
		Description *string `json:"description"`
	} `json:"rule"`
	FullLog *string `json:"full_log"`
}

// ParseAlert validates a raw webhook body and extracts the required
// fields. Every violation is reported as ErrMalformedInput with the
// offending field named; no partial result is returned.
func ParseAlert(body []byte) (*Alert, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: body is not JSON: %v", ErrMalformedInput, err)
	}
	if env.Message == nil {
		return nil, fmt.Errorf("%w: missing field %q", ErrMalformedInput, "message")
	}

	var msg agentMessage
	if err := json.Unmarshal([]byte(*env.Message), &msg); err != nil {
		return nil, fmt.Errorf("%w: message is not JSON: %v", ErrMalformedInput, err)
	}

	switch {
	case msg.ID == nil || strings.TrimSpace(*msg.ID) == "":
		return nil, fmt.Errorf("%w: missing field %q", ErrMalformedInput, "id")
	case msg.Agent == nil || msg.Agent.ID == nil || *msg.Agent.ID == "":
		return nil, fmt.Errorf("%w: missing field %q", ErrMalformedInput, "agent.id")
	case msg.Rule == nil || msg.Rule.Level == nil:
		return nil, fmt.Errorf("%w: missing field %q", ErrMalformedInput, "rule.level")
	case msg.Rule.Description == nil:
		return nil, fmt.Errorf("%w: missing field %q", ErrMalformedInput, "rule.description")
	case msg.FullLog == nil:
		return nil, fmt.Errorf("%w: missing field %q", ErrMalformedInput, "full_log")
	}

	if *msg.Rule.Level < 0 || *msg.Rule.Level > 255 {
		return nil, fmt.Errorf("%w: rule.level %d out of range 0-255", ErrMalformedInput, *msg.Rule.Level)
	}

	return &Alert{
		LogID:       *msg.ID,
		AgentID:     *msg.Agent.ID,
		Level:       uint8(*msg.Rule.Level),
		Description: *msg.Rule.Description,
		RawLog:      *msg.FullLog,
	}, nil
}
