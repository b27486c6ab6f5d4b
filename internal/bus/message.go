package bus

import (
	"fmt"
	"time"
)

// MessageType tags which payload of a TeamMessage is set.
type MessageType string

const (
	TypeTaskRequest  MessageType = "task_request"
	TypeTaskResult   MessageType = "task_result"
	TypeError        MessageType = "error"
	TypeStatusUpdate MessageType = "status_update"
)

// Broadcast as a recipient fans a message out to every topic.
const Broadcast = "*"

// StatusTopic receives every status update published by team handlers.
const StatusTopic = "status"

// Error codes carried by error envelopes.
const (
	CodeWorker        = "worker"
	CodeDuplicateLoop = "duplicate_loop"
	CodeDeadline      = "deadline"
	CodeUnknownTeam   = "unknown_team"
	CodeInternal      = "internal"
)

type TaskPayload struct {
	Task string `json:"task"`
	// Deadline is the requester's deadline; the handler stops the run
	// when it passes. Zero means none.
	Deadline time.Time `json:"deadline,omitempty"`
}

type ResultPayload struct {
	Result string `json:"result"`
	Steps  int    `json:"steps"`
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TeamMessage is the bus envelope. Exactly one payload matching Type is set.
type TeamMessage struct {
	ID            string      `json:"id"`
	Type          MessageType `json:"type"`
	Sender        string      `json:"sender"`
	Recipient     string      `json:"recipient"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`

	Task   *TaskPayload   `json:"task,omitempty"`
	Result *ResultPayload `json:"result,omitempty"`
	Error  *ErrorPayload  `json:"error,omitempty"`
	Status *TeamStatus    `json:"status,omitempty"`
}

// NewTaskRequest asks recipient to run task.
func NewTaskRequest(sender, recipient, correlationID, task string) TeamMessage {
	return TeamMessage{
		Type:          TypeTaskRequest,
		Sender:        sender,
		Recipient:     recipient,
		CorrelationID: correlationID,
		Task:          &TaskPayload{Task: task},
	}
}

// NewTaskResult answers req.
func NewTaskResult(req TeamMessage, result ResultPayload) TeamMessage {
	return TeamMessage{
		Type:          TypeTaskResult,
		Sender:        req.Recipient,
		Recipient:     req.Sender,
		CorrelationID: req.CorrelationID,
		Result:        &result,
	}
}

// NewError answers req with a failure.
func NewError(req TeamMessage, code, message string) TeamMessage {
	return TeamMessage{
		Type:          TypeError,
		Sender:        req.Recipient,
		Recipient:     req.Sender,
		CorrelationID: req.CorrelationID,
		Error:         &ErrorPayload{Code: code, Message: message},
	}
}

// NewStatusUpdate announces a team's status on StatusTopic.
func NewStatusUpdate(st TeamStatus) TeamMessage {
	return TeamMessage{
		Type:      TypeStatusUpdate,
		Sender:    st.Team,
		Recipient: StatusTopic,
		Status:    &st,
	}
}

// Validate checks the envelope's tag against its payloads.
func (m TeamMessage) Validate() error {
	if m.Recipient == "" {
		return fmt.Errorf("message %s: empty recipient", m.Type)
	}
	set := 0
	for _, ok := range []bool{m.Task != nil, m.Result != nil, m.Error != nil, m.Status != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("message %s: %d payloads set", m.Type, set)
	}
	var ok bool
	switch m.Type {
	case TypeTaskRequest:
		ok = m.Task != nil
	case TypeTaskResult:
		ok = m.Result != nil
	case TypeError:
		ok = m.Error != nil
	case TypeStatusUpdate:
		ok = m.Status != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("message %s: payload does not match type", m.Type)
	}
	return nil
}
