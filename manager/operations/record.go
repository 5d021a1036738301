// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package operations tracks long-running jobs. Every job registers
// here, reports progress, and terminates exactly once; the registry
// enforces at-most-one semantics per kind, retains finished records
// for read-back, and emits lifecycle events for connected clients.
package operations

import (
	"time"

	"storj.io/common/uuid"
)

// Kind identifies what a job does. Kinds double as the prefix of the
// job's event names, e.g. CacheClearStarted/Progress/Complete.
type Kind string

const (
	KindDepotMapping     Kind = "DepotMapping"
	KindCacheClear       Kind = "CacheClear"
	KindCorruptionDetect Kind = "CorruptionDetect"
	KindCorruptionRemove Kind = "CorruptionRemove"
	KindLogRemove        Kind = "LogRemove"
	KindLogCount         Kind = "LogCount"
	KindDatabaseReset    Kind = "DatabaseReset"
	KindDepotJSONImport  Kind = "DepotJsonImport"
)

// singleton reports whether at most one operation of this kind may run
// process-wide regardless of scope. Non-singleton kinds still allow at
// most one live operation per (kind, scope).
func (kind Kind) singleton() bool {
	switch kind {
	case KindDepotMapping, KindDatabaseReset, KindCorruptionRemove, KindLogRemove, KindDepotJSONImport:
		return true
	}
	return false
}

// retention returns how long finished records of this kind stay
// readable before the sweep removes them.
func (kind Kind) retention() time.Duration {
	if kind == KindCacheClear {
		return 24 * time.Hour
	}
	return 48 * time.Hour
}

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (status Status) Terminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is the persisted view of an operation.
type Record struct {
	ID              uuid.UUID              `json:"id"`
	Kind            Kind                   `json:"kind"`
	Scope           string                 `json:"scope,omitempty"`
	Label           string                 `json:"label,omitempty"`
	Status          Status                 `json:"status"`
	Percent         float64                `json:"percent"`
	Message         string                 `json:"message,omitempty"`
	StartedAt       time.Time              `json:"startedUtc"`
	EndedAt         *time.Time             `json:"endedUtc,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	CancelRequested bool                   `json:"cancelRequested,omitempty"`
}
