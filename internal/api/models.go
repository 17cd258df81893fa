package api

import (
	"encoding/json"
	"strings"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/task"
)

// CreateTaskRequest defines the payload for enqueueing one task.
type CreateTaskRequest struct {
	// TaskID is optional; the service generates one when empty.
	TaskID        string          `json:"task_id,omitempty"         validate:"omitempty,max=128"`
	TaskType      string          `json:"task_type"                 validate:"required"`
	Priority      string          `json:"priority,omitempty"`
	RequestData   json.RawMessage `json:"request_data"              validate:"required"`
	SourceName    string          `json:"source_name,omitempty"`
	SourceID      string          `json:"source_id,omitempty"`
	SourceGroupID string          `json:"source_group_id,omitempty"`
}

// toEnqueue converts the payload for the service, attaching the caller's
// identity.
func (r CreateTaskRequest) toEnqueue(ownerID, accountID string) task.EnqueueRequest {
	return task.EnqueueRequest{
		TaskID:      r.TaskID,
		OwnerID:     ownerID,
		AccountID:   accountID,
		Type:        r.TaskType,
		Priority:    domain.Priority(strings.ToLower(strings.TrimSpace(r.Priority))),
		RequestData: r.RequestData,
		Source: domain.SourceLabels{
			Name:    r.SourceName,
			ID:      r.SourceID,
			GroupID: r.SourceGroupID,
		},
	}
}

// BulkCreateRequest defines the payload for enqueueing several tasks.
type BulkCreateRequest struct {
	Tasks []CreateTaskRequest `json:"tasks" validate:"required,min=1,max=200,dive"`
}

// CancelRequest defines the optional payload of a cancel call.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// BulkCancelRequest defines the payload for the admin cancel endpoint.
type BulkCancelRequest struct {
	TaskIDs []string `json:"task_ids" validate:"required,min=1,max=100,dive,required"`
	Reason  string   `json:"reason,omitempty" validate:"max=500"`
}

// RegenerateRequest defines the payload for the admin regenerate endpoint.
type RegenerateRequest struct {
	TaskIDs        []string       `json:"task_ids"                   validate:"required,min=1,max=200,dive,required"`
	ResetToPending bool           `json:"reset_to_pending,omitempty"`
	Force          bool           `json:"force,omitempty"`
	Overrides      map[string]any `json:"overrides,omitempty"`
}

// CleanupStuckRequest defines the payload for the stuck-task sweep.
type CleanupStuckRequest struct {
	ThresholdMinutes int `json:"threshold_minutes" validate:"required,gte=1"`
}

// TaskListResponse is a page of tasks with the unpaged total.
type TaskListResponse struct {
	Tasks []*domain.Task `json:"tasks"`
	Total int            `json:"total"`
	Limit int            `json:"limit"`
	Skip  int            `json:"skip"`
}

// CountResponse carries a task count.
type CountResponse struct {
	Count int `json:"count"`
}

// AffectedResponse reports how many records an admin action touched.
type AffectedResponse struct {
	Affected int `json:"affected"`
}

// DispatcherResponse reports the dispatcher state after an admin action.
type DispatcherResponse struct {
	Running bool `json:"running"`
	Paused  bool `json:"paused"`
}

// QueueEntriesResponse is a page of queue entries.
type QueueEntriesResponse struct {
	Entries []*domain.QueueEntry `json:"entries"`
	Limit   int                  `json:"limit"`
	Skip    int                  `json:"skip"`
}
