package models

// TaskAgentExecute is the queue task that drives one job through the
// execution worker. Dispatch, approval resume, and retry scheduling all
// enqueue it.
const TaskAgentExecute = "agent_execute"

// ExecJobKey returns the queue dedup key for a job's agent_execute task.
// While an unfinished queue row holds the key, further enqueues for the
// same job are dropped, so one job cannot be queued twice.
func ExecJobKey(jobID string) string {
	return "exec:" + jobID
}

// ExecutePayload is the queue payload carried by agent_execute tasks.
// Trace fields propagate the caller's trace context into the execution
// environment.
type ExecutePayload struct {
	JobID       string `json:"job_id"`
	Traceparent string `json:"traceparent,omitempty"`
	Tracestate  string `json:"tracestate,omitempty"`
}
