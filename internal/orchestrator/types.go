// Package orchestrator ties parsing, application, the sandbox registry and
// conversation state into one explicitly constructed service. Every
// request-facing operation of space goes through an Orchestrator.
package orchestrator

import (
	"time"

	"github.com/aaron-ailabs/space/internal/apply"
	"github.com/aaron-ailabs/space/internal/conversation"
)

// ApplyRequest carries a model response to materialize into the active sandbox.
type ApplyRequest struct {
	Response string   `json:"response"`
	IsEdit   bool     `json:"is_edit"`
	Packages []string `json:"packages,omitempty"`
	Prompt   string   `json:"prompt,omitempty"` // User turn recorded in the conversation.
}

// ApplyResponse reports what an apply did. Errors lists per-item failures;
// a response with errors is still a completed apply.
type ApplyResponse struct {
	Success           bool                  `json:"success"`
	FilesCreated      []string              `json:"files_created"`
	PackagesInstalled []string              `json:"packages_installed"`
	CommandsExecuted  []string              `json:"commands_executed"`
	Errors            []apply.ItemError     `json:"errors"`
	Outputs           []apply.CommandOutput `json:"outputs,omitempty"`
	Edits             []apply.FileEdit      `json:"edits,omitempty"`
	Explanation       string                `json:"explanation"`
	Structure         string                `json:"structure,omitempty"`
	Message           string                `json:"message"`
}

// SandboxInfo describes one registered sandbox.
type SandboxInfo struct {
	ID           string    `json:"id"`
	Active       bool      `json:"active"`
	Files        []string  `json:"files"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ConversationAction names a conversation-state mutation.
type ConversationAction string

const (
	ActionReset    ConversationAction = "reset"
	ActionClearOld ConversationAction = "clear-old"
	ActionUpdate   ConversationAction = "update"
)

// ConversationRequest is a conversation-state mutation.
type ConversationRequest struct {
	Action ConversationAction   `json:"action"`
	Data   *conversation.Update `json:"data,omitempty"`
}

// ConversationResponse wraps the conversation state with a status message.
type ConversationResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	State   *conversation.State `json:"state"`
}
