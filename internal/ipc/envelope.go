package ipc

import (
	"encoding/json"
	"fmt"
)

// Operation type names (spec §6).
const (
	OpSendMessage  = "send_message"
	OpScheduleTask = "schedule_task"
	OpListTasks    = "list_tasks"
	OpPauseTask    = "pause_task"
	OpResumeTask   = "resume_task"
	OpCancelTask   = "cancel_task"
	OpRegisterChat = "register_chat"
)

// envelope is the flattened union of the request envelope and every
// operation's payload fields (spec §6). A directory-dropped JSON protocol
// with seven small, loosely related operations doesn't earn a
// per-operation struct hierarchy; one flat struct with omitempty fields
// keeps parsing in one place.
type envelope struct {
	Type            string `json:"type"`
	RequestID       string `json:"requestId,omitempty"`
	ChatID          string `json:"chatId"`
	WorkspaceFolder string `json:"workspaceFolder"`
	Timestamp       string `json:"timestamp"`

	// send_message
	Text         string `json:"text,omitempty"`
	TargetChatID string `json:"targetChatId,omitempty"`

	// schedule_task
	ID            string `json:"id,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"scheduleType,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`
	ContextMode   string `json:"contextMode,omitempty"`
	TargetFolder  string `json:"targetFolder,omitempty"`

	// list_tasks
	Scope string `json:"scope,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_chat
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`
}

var knownOps = map[string]bool{
	OpSendMessage:  true,
	OpScheduleTask: true,
	OpListTasks:    true,
	OpPauseTask:    true,
	OpResumeTask:   true,
	OpCancelTask:   true,
	OpRegisterChat: true,
}

// parseEnvelope decodes and validates a request file's contents. folder is
// the name of the directory the file was found under, i.e. the sandbox's
// own folder — workspaceFolder is checked against it rather than trusted
// from the payload (spec §4.4 validation: "workspaceFolder not equal to
// the sandbox's own folder, enforced by the path prefix").
func parseEnvelope(data []byte, folder string) (*envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	if e.Type == "" || e.ChatID == "" || e.WorkspaceFolder == "" || e.Timestamp == "" {
		return nil, fmt.Errorf("missing required field in %q request", e.Type)
	}
	if !knownOps[e.Type] {
		// Plugin-defined types (`<plugin>_*`) have no handler here:
		// nanoclaw itself ships no plugins, so any non-core type is
		// rejected as unknown.
		return nil, fmt.Errorf("unknown request type %q", e.Type)
	}
	if e.WorkspaceFolder != folder {
		return nil, fmt.Errorf("workspaceFolder %q does not match own folder %q", e.WorkspaceFolder, folder)
	}
	return &e, nil
}

// reply is written to <ipc_root>/<folder>/results/<requestId>.json for
// request/response operations (spec §6).
type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`

	// retry is unexported (not serialized): set on transient failures
	// (e.g. the transport rejected a send) so the dispatcher leaves the
	// request file in place for the next scan instead of writing a reply
	// and deleting it. Policy denials and validation errors are terminal
	// and never set this.
	retry bool
}

func okReply(data any) *reply { return &reply{OK: true, Data: data} }

func errReply(err string) *reply { return &reply{OK: false, Error: err} }

func retryReply(err string) *reply { return &reply{OK: false, Error: err, retry: true} }
