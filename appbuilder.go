// Package appbuilder defines the request/response types for the app builder backend.
// Messages are JSON-encoded and exchanged with the frontend over HTTP.
package appbuilder

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sender identifies who authored a chat turn.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// ChatTurn is one entry of the conversation history.
type ChatTurn struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// RequestContext is the session state rendered into the model prompt.
// It lives for a single request.
type RequestContext struct {
	Prompt             string
	History            []ChatTurn
	WorkingDirectory   string
	FileListing        string
	LastTerminalOutput string
}

// ChatRequest is the body of POST /api/chat.
// String fields are pointers so that a missing field can be told apart from an empty one.
type ChatRequest struct {
	Prompt                  *string        `json:"prompt"`
	ChatHistory             []ChatTurnBody `json:"chatHistory"`
	CurrentWorkingDirectory *string        `json:"currentWorkingDirectory"`
	FileSystemTree          *string        `json:"fileSystemTree"`
	TerminalOutput          *string        `json:"terminalOutput"`

	historySet bool
}

// ChatTurnBody is the wire form of a chat turn inside a ChatRequest.
type ChatTurnBody struct {
	Sender *string `json:"sender"`
	Text   *string `json:"text"`
}

// UnmarshalJSON records whether chatHistory was present, since a JSON null
// and a missing key both decode to a nil slice.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ChatRequest(p)
	if v, ok := raw["chatHistory"]; ok && string(v) != "null" {
		r.historySet = true
	}
	return nil
}

// FieldError describes one failed field of a request body.
type FieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func missing(loc ...string) FieldError {
	return FieldError{Loc: append([]string{"body"}, loc...), Msg: "Field required", Type: "missing"}
}

// Validate reports every required field absent from the body.
// An empty result means the request can be converted with Context.
func (r *ChatRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Prompt == nil {
		errs = append(errs, missing("prompt"))
	}
	if !r.historySet {
		errs = append(errs, missing("chatHistory"))
	}
	for i, turn := range r.ChatHistory {
		idx := fmt.Sprint(i)
		if turn.Sender == nil {
			errs = append(errs, missing("chatHistory", idx, "sender"))
		}
		if turn.Text == nil {
			errs = append(errs, missing("chatHistory", idx, "text"))
		}
	}
	if r.CurrentWorkingDirectory == nil {
		errs = append(errs, missing("currentWorkingDirectory"))
	}
	if r.FileSystemTree == nil {
		errs = append(errs, missing("fileSystemTree"))
	}
	if r.TerminalOutput == nil {
		errs = append(errs, missing("terminalOutput"))
	}
	return errs
}

// Context converts a validated request into a RequestContext.
func (r *ChatRequest) Context() RequestContext {
	history := make([]ChatTurn, 0, len(r.ChatHistory))
	for _, turn := range r.ChatHistory {
		history = append(history, ChatTurn{Sender: Sender(deref(turn.Sender)), Text: deref(turn.Text)})
	}
	return RequestContext{
		Prompt:             deref(r.Prompt),
		History:            history,
		WorkingDirectory:   deref(r.CurrentWorkingDirectory),
		FileListing:        deref(r.FileSystemTree),
		LastTerminalOutput: deref(r.TerminalOutput),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ActionKind is the discriminator of an Action.
type ActionKind string

const (
	ActionChangeDirectory ActionKind = "change_directory"
	ActionRunCommand      ActionKind = "run_command"
	ActionWriteFile       ActionKind = "write_file"
	ActionChat            ActionKind = "chat"
)

// Action is the single structured instruction the model returns.
// Exactly one variant is meaningful per value, selected by Kind:
//
//	change_directory: Path
//	run_command:      Payload (the shell command)
//	write_file:       Path, Content
//	chat:             Payload (the message)
type Action struct {
	Kind    ActionKind `json:"action"`
	Path    string     `json:"path,omitempty"`
	Payload string     `json:"payload,omitempty"`
	Content string     `json:"content,omitempty"`
}

// MarshalJSON always emits content for write_file, so an empty file
// survives the round trip.
func (a Action) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind    ActionKind `json:"action"`
		Path    string     `json:"path,omitempty"`
		Payload string     `json:"payload,omitempty"`
		Content *string    `json:"content,omitempty"`
	}
	w := wire{Kind: a.Kind, Path: a.Path, Payload: a.Payload}
	if a.Kind == ActionWriteFile || a.Content != "" {
		w.Content = &a.Content
	}
	return json.Marshal(w)
}

// ChangeDirectory returns a change_directory action.
func ChangeDirectory(path string) Action {
	return Action{Kind: ActionChangeDirectory, Path: path}
}

// RunCommand returns a run_command action.
func RunCommand(command string) Action {
	return Action{Kind: ActionRunCommand, Payload: command}
}

// WriteFile returns a write_file action.
func WriteFile(path, content string) Action {
	return Action{Kind: ActionWriteFile, Path: path, Content: content}
}

// Chat returns a chat action.
func Chat(message string) Action {
	return Action{Kind: ActionChat, Payload: message}
}

// Validate checks the discriminator and that the variant's payload fields are set.
// write_file content may be empty (an empty file is a valid write).
func (a Action) Validate() error {
	switch a.Kind {
	case ActionChangeDirectory:
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("change_directory requires a path")
		}
	case ActionRunCommand:
		if strings.TrimSpace(a.Payload) == "" {
			return fmt.Errorf("run_command requires a payload")
		}
	case ActionWriteFile:
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("write_file requires a path")
		}
	case ActionChat:
		if strings.TrimSpace(a.Payload) == "" {
			return fmt.Errorf("chat requires a payload")
		}
	case "":
		return fmt.Errorf("missing action discriminator")
	default:
		return fmt.Errorf("unknown action %q", a.Kind)
	}
	return nil
}

// ChatResponse is the 200 body of POST /api/chat.
type ChatResponse struct {
	// Response is the model's action, forwarded as parsed.
	Response json.RawMessage `json:"response"`
}

// ErrorBody is the body of every non-2xx response.
// Detail is a string, or a []FieldError for 422 responses.
type ErrorBody struct {
	Detail any `json:"detail"`
}

// Message is the body of the liveness endpoints.
type Message struct {
	Message string `json:"message"`
}
