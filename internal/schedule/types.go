package schedule

import (
	"time"
)

// ExecutionStatus represents the outcome of a pump run
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Pump periodically calls a method on a served object
type Pump struct {
	ID     string `json:"id"`
	Hash   string `json:"hash_val"`
	Method string `json:"method"`
	Spec   string `json:"spec"`

	Runs       int64           `json:"runs"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	LastStatus ExecutionStatus `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
}
