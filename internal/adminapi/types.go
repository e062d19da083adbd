// Copyright 2025 James Ross
package adminapi

import "time"

// CreateJobRequest is the POST /api/v1/jobs body.
type CreateJobRequest struct {
	JobType            string                 `json:"job_type" validate:"required,oneof=pipeline search"`
	Query              string                 `json:"query" validate:"required"`
	Payload            map[string]interface{} `json:"payload,omitempty"`
	NotificationEmail  string                 `json:"notification_email,omitempty"`
}

// CreateJobResponse echoes the generated id so the caller can poll it.
type CreateJobResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// JobResponse is the GET /api/v1/jobs/{id} body: the job document without
// its payload, expires_at and bounded event log (see JobEventsResponse for
// the events).
type JobResponse struct {
	JobID        string                 `json:"job_id"`
	JobType      string                 `json:"job_type"`
	Status       string                 `json:"status"`
	Query        string                 `json:"query"`
	Progress     JobProgress            `json:"progress"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

type JobProgress struct {
	Phase    string `json:"phase"`
	Step     int    `json:"step"`
	StepName string `json:"step_name"`
	Message  string `json:"message"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
}

type JobEvent struct {
	Ts      time.Time              `json:"ts"`
	Type    string                 `json:"type"`
	Level   string                 `json:"level"`
	Phase   string                 `json:"phase,omitempty"`
	Message string                 `json:"message,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

type JobEventsResponse struct {
	JobID  string     `json:"job_id"`
	Events []JobEvent `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
