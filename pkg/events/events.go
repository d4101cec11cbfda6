// Package events defines event types for pipeline run lifecycle notifications.
package events

import (
	"time"

	"github.com/edforge/edforge/pkg/models"
)

type EventType string

// Topic is the event bus topic carrying all run lifecycle events.
const Topic = "edforge.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle events.
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"

	// Step lifecycle events.
	StepSucceededEvent        EventType = "step.succeeded"
	StepRetriesExhaustedEvent EventType = "step.retries_exhausted"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	GraphID   string    `json:"graph_id"`
}

type RunStarted struct {
	BaseEvent

	StartNode string `json:"start_node"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
	Usage    models.Usage  `json:"usage"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
	Reason string `json:"reason"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

type StepSucceeded struct {
	BaseEvent

	NodeID   string        `json:"node_id"`
	EntryID  string        `json:"entry_id"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Usage    models.Usage  `json:"usage"`
}

func (e StepSucceeded) GetType() EventType {
	return StepSucceededEvent
}

type StepRetriesExhausted struct {
	BaseEvent

	NodeID   string             `json:"node_id"`
	EntryID  string             `json:"entry_id"`
	Attempts int                `json:"attempts"`
	Last     []models.Violation `json:"last_violations,omitempty"`
}

func (e StepRetriesExhausted) GetType() EventType {
	return StepRetriesExhaustedEvent
}
