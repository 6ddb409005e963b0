// Package execproto defines the JSON wire protocol spoken on the executor
// control channel. An executor dials the control plane, sends a register
// frame, then heartbeats and replies to control-plane RPCs. Each frame is a
// single JSON object; RPC params are flattened into the frame alongside
// type and id.
package execproto

import (
	"encoding/json"
	"fmt"
)

// Frame types sent by executors.
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeResponse  = "response"
)

// Frame types sent by the control plane.
const (
	TypePing    = "ping"
	TypeUpgrade = "upgrade"

	OpCreateSession     = "create_session"
	OpCreateRichSession = "create_rich_session"
	OpCreateJob         = "create_job"
	OpDeleteSession     = "delete_session"
	OpDeleteRichSession = "delete_rich_session"
	OpForkSession       = "fork_session"
	OpListSessions      = "list_sessions"
	OpSnapshotSession   = "snapshot_session"
	OpSnapshotRich      = "snapshot_rich_session"
	OpSummarizeSession  = "summarize_session"
	OpAnalyzeSession    = "analyze_session"
	OpAttachSession     = "attach_session"
	OpAttachRichSession = "attach_rich_session"
)

// Envelope carries the fields common to every frame. Receivers decode the
// envelope first to pick the concrete frame type.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Register is the mandatory first frame from an executor. It is
// authoritative for the executor's identity.
type Register struct {
	Type       string   `json:"type"`
	ExecutorID string   `json:"executorId"`
	Name       string   `json:"name"`
	Labels     []string `json:"labels,omitempty"`
	Version    string   `json:"version,omitempty"`
}

// SessionLiveness is one entry of a heartbeat's session report.
type SessionLiveness struct {
	Name         string `json:"name"`
	Alive        bool   `json:"alive"`
	LastActivity int64  `json:"last_activity"`
}

// Heartbeat is sent by executors roughly every ten seconds and replaces the
// control plane's cached view of the executor's sessions.
type Heartbeat struct {
	Type     string            `json:"type"`
	Sessions []SessionLiveness `json:"sessions"`
}

// Response is the executor's reply to a prior RPC, correlated by id.
type Response struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Ping is a liveness probe; executors answer with an empty ok response.
type Ping struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Upgrade asks the executor process to exit so a supervisor restarts it.
type Upgrade struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// CreateSessionRequest creates a terminal or rich window on the executor.
type CreateSessionRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Command string `json:"command"`
}

// CreateJobRequest creates an unattended job window on the executor.
type CreateJobRequest struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	Name            string `json:"name"`
	Prompt          string `json:"prompt"`
	MaxIterations   int    `json:"max_iterations"`
	SkipPermissions bool   `json:"skip_permissions"`
}

// DeleteSessionRequest removes a window (and, for rich, its bridge state).
type DeleteSessionRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ForkSessionRequest derives a new window from an existing one.
type ForkSessionRequest struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	SourceName string            `json:"source_name"`
	NewName    string            `json:"new_name"`
	ForkHooks  map[string]string `json:"fork_hooks,omitempty"`
}

// ListSessionsRequest asks for the executor's live window list.
type ListSessionsRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SnapshotSessionRequest captures recent pane text (terminal) or the
// rendered event log (rich).
type SnapshotSessionRequest struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Lines int    `json:"lines,omitempty"`
}

// ProbeSessionRequest runs a summarize or analyze probe against a window.
type ProbeSessionRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AttachSessionRequest asks the executor to dial back a terminal channel
// carrying ChannelID and splice it to the named window.
type AttachSessionRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// SnapshotData is the payload of a snapshot response.
type SnapshotData struct {
	Text string `json:"text"`
}

// SummarizeData is the payload of a summarize response.
type SummarizeData struct {
	Description string `json:"description"`
}

// AnalyzeData is the payload of an analyze response.
type AnalyzeData struct {
	Description string `json:"description"`
	NeedsInput  bool   `json:"needs_input"`
}

// ListSessionsData is the payload of a list_sessions response.
type ListSessionsData struct {
	Sessions []SessionLiveness `json:"sessions"`
}

// OKResponse builds a successful response frame for id.
func OKResponse(id string, data any) (*Response, error) {
	resp := &Response{Type: TypeResponse, ID: id, OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal response data: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}

// ErrResponse builds a failed response frame for id.
func ErrResponse(id string, err error) *Response {
	return &Response{Type: TypeResponse, ID: id, OK: false, Error: err.Error()}
}

// DecodeEnvelope extracts the type and id from a raw frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode frame envelope: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("frame missing type")
	}
	return env, nil
}
