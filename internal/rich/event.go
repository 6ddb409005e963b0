package rich

import "encoding/json"

// Event is one agent output line. The payload is opaque except for the
// reserved keys the bridge routes on.
type Event struct {
	Raw json.RawMessage

	Type            string
	Subtype         string
	SessionID       string
	ParentToolUseID string
}

// reservedKeys is the subset of the agent wire schema the bridge inspects.
type reservedKeys struct {
	Type            string `json:"type"`
	Subtype         string `json:"subtype"`
	SessionID       string `json:"session_id"`
	ParentToolUseID string `json:"parent_tool_use_id"`
}

// rawEvent wraps an unparseable agent line so it survives in the log.
type rawEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseEvent decodes one stdout line. Lines that are not JSON objects are
// wrapped as raw events and kept verbatim.
func parseEvent(line []byte) Event {
	var keys reservedKeys
	if err := json.Unmarshal(line, &keys); err != nil {
		wrapped, _ := json.Marshal(rawEvent{Type: "raw", Text: string(line)})
		return Event{Raw: wrapped, Type: "raw"}
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return Event{
		Raw:             raw,
		Type:            keys.Type,
		Subtype:         keys.Subtype,
		SessionID:       keys.SessionID,
		ParentToolUseID: keys.ParentToolUseID,
	}
}

func (e Event) isInit() bool {
	return e.Type == "system" && e.Subtype == "init"
}

func (e Event) isResult() bool {
	return e.Type == "result"
}

// isStream reports a pure delta event that is forwarded but never persisted.
func (e Event) isStream() bool {
	return e.Type == "stream_event"
}

// fromSubagent reports an event raised inside a sub-agent tool call.
func (e Event) fromSubagent() bool {
	return e.ParentToolUseID != ""
}
