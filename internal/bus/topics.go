package bus

// Task lifecycle topics. Published by the write queue after a transaction
// commits, never before, so subscribers only ever observe durable state.
const (
	TopicTaskCommitted = "task.committed"
	TopicTaskReady     = "task.ready"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicGateDenied    = "gate.denied"
)

// TaskCommittedEvent is published for every committed task mutation.
type TaskCommittedEvent struct {
	TaskID    string // Task ID
	Phase     string // Phase after commit
	OldStatus string // Status before the mutation ("" on create)
	NewStatus string // Status after commit
	EventType string // Audit event type recorded with the mutation
}

// TaskReadyEvent is published when a task enters executing status.
// The AEE driver subscribes to this topic.
type TaskReadyEvent struct {
	TaskID  string
	RunMode string
}

// GateDeniedEvent is published when a gate check rejects a requested action.
type GateDeniedEvent struct {
	TaskID   string
	Rule     string // which gate fired (pause_gate, mode_gate, ...)
	Category string // declared action category, if any
}
