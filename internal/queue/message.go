// Copyright 2025 James Ross

// Package queue implements the Message Queue (C3): an at-least-once
// FIFO-ish queue with a visibility-timeout-style heartbeat and a
// dead-letter sub-queue, built the way this codebase's
// internal/worker + internal/reaper already build one on top of Redis
// lists (BRPOPLPUSH into a per-consumer processing list, a heartbeat key
// standing in for the broker's visibility timeout, orphan recovery by
// scanning processing lists whose heartbeat expired).
package queue

import (
	"encoding/json"
	"time"
)

// Message is the wire envelope body: {job_id, job_type, payload}. An
// optional payload["stage"] names the stage to execute.
type Message struct {
	JobID   string                 `json:"job_id"`
	JobType string                 `json:"job_type"`
	Payload map[string]interface{} `json:"payload"`
}

// Stage reads the optional payload.stage override.
func (m Message) Stage() (stage string, explicit bool) {
	if m.Payload == nil {
		return "", false
	}
	if v, ok := m.Payload["stage"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// envelope is what actually lives in Redis: the message plus the
// delivery metadata a real broker would track for us natively.
type envelope struct {
	Body                       Message   `json:"body"`
	MessageID                  string    `json:"message_id"`
	EnqueuedTime               time.Time `json:"enqueued_time"`
	DeliveryCount              int       `json:"delivery_count"`
	DeadLetterReason           string    `json:"dead_letter_reason,omitempty"`
	DeadLetterErrorDescription string    `json:"dead_letter_error_description,omitempty"`
}

// QueuedMessage is what Receive hands back to a consumer, matching the
// receive() contract in spec.md §4.3.
type QueuedMessage struct {
	Body                       Message
	MessageID                  string
	EnqueuedTime               time.Time
	DeliveryCount              int
	DeadLetterReason           string
	DeadLetterErrorDescription string

	raw string // original Redis payload, needed to remove it from the processing list on Ack/Nack
}

func marshalEnvelope(e envelope) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalEnvelope(s string) (envelope, error) {
	var e envelope
	err := json.Unmarshal([]byte(s), &e)
	return e, err
}
