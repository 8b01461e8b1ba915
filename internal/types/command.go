package types

import "time"

type CommandStatus string

const (
	StatusActive               CommandStatus = "Active"
	StatusSuperseded           CommandStatus = "Superseded"
	StatusSupersededByRollback CommandStatus = "SupersededByRollback"
	StatusRetired              CommandStatus = "Retired"
)

// RegisteredCommand is an accepted artifact owned by the registry.
type RegisteredCommand struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Version     int           `json:"version"`
	Language    string        `json:"language"`
	Description string        `json:"description,omitempty"`
	Source      string        `json:"source,omitempty"`
	Checksum    string        `json:"checksum"`
	Status      CommandStatus `json:"status"`
	Score       int           `json:"score"`
	CreatedAt   time.Time     `json:"created_at"`
}

type HistoryAction string

const (
	ActionAccepted             HistoryAction = "Accepted"
	ActionRejected             HistoryAction = "Rejected"
	ActionCancelled            HistoryAction = "Cancelled"
	ActionRegistered           HistoryAction = "Registered"
	ActionSuperseded           HistoryAction = "Superseded"
	ActionRolledBack           HistoryAction = "RolledBack"
	ActionSupersededByRollback HistoryAction = "SupersededByRollback"
	ActionRetired              HistoryAction = "Retired"
	ActionExecuted             HistoryAction = "Executed"
)

// HistoryEntry is one append-only audit record. ID is the artifact id.
type HistoryEntry struct {
	Seq         int64         `json:"seq"`
	EntryID     string        `json:"entry_id"`
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Version     int           `json:"version,omitempty"`
	Description string        `json:"description"`
	Checksum    string        `json:"checksum"`
	Verdict     Verdict       `json:"verdict"`
	Action      HistoryAction `json:"action"`
	Reason      string        `json:"reason,omitempty"`
	ExitStatus  *int          `json:"exit_status,omitempty"`
	TimedOut    *bool         `json:"timed_out,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
