package ui

import "github.com/bamsammich/flashall/internal/event"

// Event is the engine's progress event.
type Event = event.Event

// Re-export event types for convenience.
const (
	StateEntered      = event.StateEntered
	PlanReady         = event.PlanReady
	TaskStarted       = event.TaskStarted
	TaskCompleted     = event.TaskCompleted
	TaskFailed        = event.TaskFailed
	TransferStarted   = event.TransferStarted
	TransferCompleted = event.TransferCompleted
	Warning           = event.Warning
)
