package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateWorkflow(ctx context.Context, wf *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	UpdateWorkflow(ctx context.Context, wf *WorkflowRecord) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) (*Page[*WorkflowRecord], error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *ExecutionRecord) error
	FinishExecution(ctx context.Context, exec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) (*Page[*ExecutionRecord], error)

	// Node executions
	SaveNodeExecution(ctx context.Context, rec *NodeExecutionRecord) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecutionRecord, error)

	// Timeline (append-only)
	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*EventRecord, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *ScheduleRecord) error
	GetSchedule(ctx context.Context, id string) (*ScheduleRecord, error)
	UpdateSchedule(ctx context.Context, sched *ScheduleRecord) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) (*Page[*ScheduleRecord], error)
	DeleteSchedule(ctx context.Context, id string) error

	// Secrets (values arrive already encrypted by the vault)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
