package domain

import "time"

// AuditLog records every request and every reconciliation decision.
type AuditLog struct {
	ID         string    `json:"id"          db:"id"`
	UserID     string    `json:"user_id"     db:"user_id"`
	Action     string    `json:"action"      db:"action"`
	Resource   string    `json:"resource"    db:"resource"`
	ResourceID string    `json:"resource_id" db:"resource_id"`
	Details    string    `json:"details"     db:"details"` // JSON blob
	IP         string    `json:"ip"          db:"ip"`
	UserAgent  string    `json:"user_agent"  db:"user_agent"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// Audit action constants.
const (
	AuditActionHTTPRequest   = "http_request"
	AuditActionJobCreate     = "job_create"
	AuditActionJobProcess    = "job_process"
	AuditActionJobDelete     = "job_delete"
	AuditActionDecision      = "decision"
	AuditActionAutoReconcile = "auto_reconcile"
	AuditActionBackfillRun   = "backfill_run"
)
