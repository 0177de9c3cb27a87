package core

import "time"

// EventStage marks which half of an operation an Event records.
type EventStage string

const (
	StageStart EventStage = "Start"
	StageEnd   EventStage = "End"
)

// Outcome is the terminal result stamped on an End event.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "Completed"
	OutcomeFailed    Outcome = "Failed"
)

// ObjectType names the kind of resource an operation targets.
type ObjectType string

const (
	ObjectVApp ObjectType = "vapp"
	ObjectVM   ObjectType = "vm"
)

// Event is the durable audit record of one stage of one lifecycle operation.
//
// Start events are written by the orchestrator before the busy claim's job is
// submitted; End events are written by the dispatcher when the job settles.
// Events are never deleted. The reconciliation sweep fills Message in place.
type Event struct {
	ID                 uint       `gorm:"primaryKey"`
	UserID             *uint      `gorm:"index"`
	FunctionName       string     `gorm:"size:45;index:idx_events_function_created"`
	IsAPI              bool       `gorm:"default:false"`
	FunctionParameters string     `gorm:"type:text"`
	Message            string     `gorm:"type:text"`
	ObjectType         ObjectType `gorm:"size:45"`
	JobID              string     `gorm:"size:45;index"`
	ResourceID         string     `gorm:"size:150;index"`
	Created            time.Time  `gorm:"index:idx_events_function_created"`
	Modified           time.Time
	Retries            int        `gorm:"default:0"`
	EventStage         EventStage `gorm:"size:45;default:'Start'"`
	Outcome            Outcome    `gorm:"size:45;index"`
	RequestHost        string     `gorm:"size:45"`
}

// TableName pins the events table name.
func (Event) TableName() string { return "events" }

// EventFilter narrows an event log query. Zero values are ignored.
type EventFilter struct {
	ResourceID   string
	FunctionName string
	JobID        string
	Stage        EventStage
	Outcome      Outcome
	Limit        int
}
