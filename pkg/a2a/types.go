// Package a2a is the client side of the Agent-to-Agent protocol as pfs
// speaks it: JSON-RPC 2.0 over HTTPS against a remote agent described by
// an agent card. Cards are fetched once and cached in the event store;
// clients refuse private or local URLs outright.
//
// The task dialect here is the wire dialect pfs records and proxies
// (statuses pending..rejected, tasks addressed as "tasks/<id>"), which is
// not the same enum the a2aproject SDK uses for its own server runtime.
package a2a

import (
	"encoding/json"
	"fmt"
)

// TaskStatus is the lifecycle state of a remote task.
type TaskStatus string

const (
	StatusPending       TaskStatus = "pending"
	StatusWorking       TaskStatus = "working"
	StatusInputRequired TaskStatus = "input_required"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"
	StatusCanceled      TaskStatus = "canceled"
	StatusRejected      TaskStatus = "rejected"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// ParseStatus validates a wire status string.
func ParseStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case StatusPending, StatusWorking, StatusInputRequired,
		StatusCompleted, StatusFailed, StatusCanceled, StatusRejected:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Message is one conversational message exchanged with an agent.
type Message struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is one message fragment. Only text parts are produced locally;
// remote parts are carried through untouched via Raw.
type Part struct {
	Type string          `json:"type,omitempty"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// TextMessage builds a single-part user message.
func TextMessage(text string) Message {
	return Message{Role: "user", Parts: []Part{{Type: "text", Text: text}}}
}

// Task is the remote task as reported by the agent.
type Task struct {
	ID       string     `json:"id"`
	Status   TaskStatus `json:"-"`
	Messages []Message  `json:"messages,omitempty"`
}

// taskWire mirrors the agent's response shape; status arrives as a bare
// string and is validated on decode.
type taskWire struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Status   json.RawMessage `json:"status"`
	Messages []Message       `json:"messages,omitempty"`
}

// UnmarshalJSON decodes a task, accepting status either as a string or as
// an object carrying a state field.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w taskWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var raw string
	if len(w.Status) > 0 {
		if err := json.Unmarshal(w.Status, &raw); err != nil {
			var obj struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(w.Status, &obj); err != nil {
				return fmt.Errorf("task status: %w", err)
			}
			raw = obj.State
		}
	}
	status, err := ParseStatus(raw)
	if err != nil {
		return err
	}

	t.ID = w.ID
	if t.ID == "" && w.Name != "" {
		t.ID = trimTaskName(w.Name)
	}
	t.Status = status
	t.Messages = w.Messages
	return nil
}

// MarshalJSON writes the status back as a bare string.
func (t Task) MarshalJSON() ([]byte, error) {
	status, err := json.Marshal(string(t.Status))
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskWire{ID: t.ID, Status: status, Messages: t.Messages})
}

// SendConfiguration controls message/send behavior.
type SendConfiguration struct {
	Blocking bool `json:"blocking"`
}

// sendParams is the message/send parameter shape.
type sendParams struct {
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
}

// taskParams addresses an existing task. The wire form is
// name: "tasks/<id>".
type taskParams struct {
	Name string `json:"name"`
}

func taskName(id string) string {
	return "tasks/" + id
}

func trimTaskName(name string) string {
	if len(name) > len("tasks/") && name[:len("tasks/")] == "tasks/" {
		return name[len("tasks/"):]
	}
	return name
}
