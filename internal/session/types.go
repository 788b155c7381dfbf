package session

import "time"

// CreateRequest is the REST payload that opens a tutoring session.
type CreateRequest struct {
	LearnerID string `json:"learner_id"`
	Subject   string `json:"subject"`
	Topic     string `json:"topic"`
}

// CreateResponse echoes the created session plus the inactivity budget so
// clients can schedule keepalives.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	LearnerID       string    `json:"learner_id"`
	Status          Status    `json:"status"`
	Subject         string    `json:"subject"`
	Topic           string    `json:"topic"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
