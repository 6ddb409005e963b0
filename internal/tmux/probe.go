package tmux

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// probeTimeout bounds a one-shot agent invocation over pane text.
	probeTimeout = 60 * time.Second

	// probeCaptureLines is how much scrollback a probe reads.
	probeCaptureLines = 200

	summarizePrompt = `You are looking at the recent output of a terminal session. ` +
		`Describe in one short sentence what is happening in it. ` +
		`Respond with JSON only: {"description": "..."}`

	analyzePrompt = `You are looking at the recent output of a terminal session. ` +
		`Describe in one short sentence what is happening, and whether the ` +
		`process appears to be waiting for user input. ` +
		`Respond with JSON only: {"description": "...", "needs_input": true|false}`
)

type summarizeResult struct {
	Description string `json:"description"`
}

type analyzeResult struct {
	Description string `json:"description"`
	NeedsInput  bool   `json:"needs_input"`
}

// Summarize captures recent pane text and asks the agent for a one-line
// description. Probes are best effort: any failure yields an empty string,
// never an error.
func (r *Runner) Summarize(ctx context.Context, name string) string {
	out := r.probe(ctx, name, summarizePrompt)
	if out == "" {
		return ""
	}
	var res summarizeResult
	if err := json.Unmarshal([]byte(stripFences(out)), &res); err != nil {
		r.logger.Debug("summarize probe returned non-JSON", zap.String("name", name))
		return ""
	}
	return res.Description
}

// Analyze captures recent pane text and asks the agent whether the session
// is blocked on user input. Best effort; failures yield ("", false).
func (r *Runner) Analyze(ctx context.Context, name string) (string, bool) {
	out := r.probe(ctx, name, analyzePrompt)
	if out == "" {
		return "", false
	}
	var res analyzeResult
	if err := json.Unmarshal([]byte(stripFences(out)), &res); err != nil {
		r.logger.Debug("analyze probe returned non-JSON", zap.String("name", name))
		return "", false
	}
	return res.Description, res.NeedsInput
}

// probe runs the agent in print mode with the pane capture on stdin.
func (r *Runner) probe(ctx context.Context, name, prompt string) string {
	text, err := r.CapturePane(ctx, name, probeCaptureLines)
	if err != nil {
		r.logger.Debug("probe capture failed", zap.String("name", name), zap.Error(err))
		return ""
	}
	if strings.TrimSpace(text) == "" {
		return ""
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := r.command(probeCtx, r.agentBinary, "-p", prompt)
	cmd.Stdin = strings.NewReader(text)
	out, err := cmd.Output()
	if err != nil {
		r.logger.Debug("probe agent invocation failed", zap.String("name", name), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(string(out))
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, from model output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line.
		if !strings.ContainsAny(s[:idx], "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
