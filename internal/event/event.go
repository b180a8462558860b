package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	StateEntered Type = iota + 1
	PlanReady
	TaskStarted
	TaskCompleted
	TaskFailed
	TransferStarted
	TransferCompleted
	Warning
)

var typeNames = [...]string{
	StateEntered:      "StateEntered",
	PlanReady:         "PlanReady",
	TaskStarted:       "TaskStarted",
	TaskCompleted:     "TaskCompleted",
	TaskFailed:        "TaskFailed",
	TransferStarted:   "TransferStarted",
	TransferCompleted: "TransferCompleted",
	Warning:           "Warning",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the flashing engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Task      string // task description, e.g. "flash(boot)"
	Partition string // resolved partition name for transfers
	State     string // orchestrator state (StateEntered)
	Message   string
	Size      int64 // transfer size in bytes
	Current   int   // sparse piece number, from 1
	Total     int   // sparse piece count, or task count for PlanReady
	Elapsed   time.Duration
	Error     error
}
