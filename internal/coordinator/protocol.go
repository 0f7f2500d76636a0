// Package coordinator implements the fleet coordinator: a WebSocket-driven
// registry of connected robots and the bidirectional message router between
// them and the durable job queue, per spec §4.3.
package coordinator

import (
	"encoding/json"
	"time"
)

// MessageType enumerates the WebSocket envelope types in spec §4.3/§6.2.
type MessageType string

const (
	TypeRegister        MessageType = "register"
	TypeRegisterAck     MessageType = "register_ack"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeHeartbeatAck    MessageType = "heartbeat_ack"
	TypeJobAssign       MessageType = "job_assign"
	TypeJobAccept       MessageType = "job_accept"
	TypeJobReject       MessageType = "job_reject"
	TypeJobProgress     MessageType = "job_progress"
	TypeJobComplete     MessageType = "job_complete"
	TypeJobFailed       MessageType = "job_failed"
	TypeJobCancel       MessageType = "job_cancel"
	TypeLogEntry        MessageType = "log_entry"
	TypeLogBatch        MessageType = "log_batch"
	TypeStatusRequest   MessageType = "status_request"
	TypeStatusResponse  MessageType = "status_response"
	TypeShutdown        MessageType = "shutdown"
	TypePause           MessageType = "pause"
	TypeResume          MessageType = "resume"
	TypeError           MessageType = "error"
	TypeCheckpointSave  MessageType = "checkpoint_save"
)

// Envelope is the logical wire format for every message exchanged over a
// robot's WebSocket connection. Framing itself (text/binary, compression)
// is out of scope per spec §1; this is the message semantics layer.
type Envelope struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// decode unmarshals the envelope's payload into dst.
func (e Envelope) decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

func newEnvelope(t MessageType, correlationID string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{Type: t, CorrelationID: correlationID, Payload: raw}
}

// RegisterPayload is the body of a "register" message.
type RegisterPayload struct {
	RobotID           string   `json:"robot_id"`
	Name              string   `json:"name"`
	Environment       string   `json:"environment"`
	Capabilities      []string `json:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Tags              []string `json:"tags"`
	APIKey            string   `json:"api_key,omitempty"`
}

// RegisterAckPayload acknowledges a successful registration.
type RegisterAckPayload struct {
	RobotID string `json:"robot_id"`
}

// HeartbeatPayload carries live vitals, sent every H seconds.
type HeartbeatPayload struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// JobAssignPayload dispatches a claimed job to a robot.
type JobAssignPayload struct {
	JobID               string          `json:"job_id"`
	WorkflowID          string          `json:"workflow_id"`
	WorkflowJSON        json.RawMessage `json:"workflow_json"`
	InitialVariables    json.RawMessage `json:"initial_variables,omitempty"`
	StartFromCheckpoint bool            `json:"start_from_checkpoint"`
	CheckpointNodeID    string          `json:"checkpoint_node_id,omitempty"`
}

// JobRejectPayload carries the robot's reason for declining an assignment.
type JobRejectPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// JobProgressPayload reports interim progress; doubles as an implicit
// lease-extending heartbeat for the job per spec §4.3.
type JobProgressPayload struct {
	JobID           string `json:"job_id"`
	ProgressPercent int    `json:"progress_percent"`
	ProgressMessage string `json:"progress_message"`
}

// JobCompletePayload reports terminal success.
type JobCompletePayload struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobFailedPayload reports terminal (for this attempt) failure.
type JobFailedPayload struct {
	JobID          string `json:"job_id"`
	ErrorMessage   string `json:"error_message"`
	ErrorTraceback string `json:"error_traceback,omitempty"`
}

// JobCancelPayload instructs a robot to abort a running job.
type JobCancelPayload struct {
	JobID string `json:"job_id"`
}

// CheckpointSavePayload is a robot's mid-workflow durable checkpoint, per
// spec §6.3.
type CheckpointSavePayload struct {
	JobID     string          `json:"job_id"`
	NodeID    string          `json:"node_id"`
	Variables json.RawMessage `json:"variables"`
	Resumable bool            `json:"resumable"`
}

// LogEntryPayload is a single free-form log line from a robot.
type LogEntryPayload struct {
	JobID     string    `json:"job_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogBatchPayload batches multiple log lines in one message.
type LogBatchPayload struct {
	Entries []LogEntryPayload `json:"entries"`
}

// StatusResponsePayload answers a "status_request" with the robot's current
// self-reported state.
type StatusResponsePayload struct {
	Status      string   `json:"status"`
	CurrentJobs []string `json:"current_jobs"`
}

// ErrorPayload is the body of an "error" envelope sent back to a robot for
// a protocol violation or malformed message, per spec §4.3/§7.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorPayload.Code.
const (
	ErrCodeMalformed     = "malformed_message"
	ErrCodeUnknownType   = "unknown_type"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeUnknownJob    = "unknown_job"
	ErrCodeProtocolFatal = "protocol_violation"
)
