package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
	"github.com/claude-host/claude-host/internal/executor"
	"github.com/claude-host/claude-host/internal/session"
	"github.com/claude-host/claude-host/internal/tmux"
)

// upgrader uses larger buffers for TUI traffic.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header to prevent cross-site
// WebSocket hijacking. Non-browser clients without an Origin are allowed.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}
	return originURL.Hostname() == requestHost
}

// wsSink adapts a WebSocket to the stream-sink contract. Writes are
// serialized; Close sends a close frame before dropping the socket.
type wsSink struct {
	conn    *websocket.Conn
	msgType int

	mu     sync.Mutex
	closed bool
}

func newWSSink(conn *websocket.Conn, msgType int) *wsSink {
	return &wsSink{conn: conn, msgType: msgType}
}

func (w *wsSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("%w: socket closed", errdefs.ErrIoFailure)
	}
	if err := w.conn.WriteMessage(w.msgType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	return w.conn.Close()
}

// CloseWithError closes with an abnormal close code so the browser can
// tell a broken attachment from a clean end.
func (w *wsSink) CloseWithError(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason), closeDeadline())
	return w.conn.Close()
}

// WSHandlers hold the browser- and executor-facing WebSocket routes.
type WSHandlers struct {
	mgr     *session.Manager
	reg     *executor.Registry
	execCfg config.ExecutorConfig
	logger  *logger.Logger
}

// NewWSHandlers wires the WebSocket handlers.
func NewWSHandlers(mgr *session.Manager, reg *executor.Registry, execCfg config.ExecutorConfig, log *logger.Logger) *WSHandlers {
	return &WSHandlers{
		mgr:     mgr,
		reg:     reg,
		execCfg: execCfg,
		logger:  log.WithFields(zap.String("component", "ws_handlers")),
	}
}

func (h *WSHandlers) register(router *gin.Engine, auth *Authenticator) {
	browser := router.Group("/ws", auth.Middleware())
	browser.GET("/sessions/:name", h.handleTerminalWS)
	browser.GET("/rich/:name", h.handleRichWS)

	router.GET("/ws/executor/control", h.handleExecutorControl)
	router.GET("/ws/executor/terminal/:channelId", h.handleExecutorTerminal)
}

// handleTerminalWS bridges a browser socket to a terminal session.
// Query parameters cols and rows seed the client's viewport.
func (h *WSHandlers) handleTerminalWS(c *gin.Context) {
	h.handleAttach(c, true)
}

// handleRichWS bridges a browser socket to a rich session's bridge.
func (h *WSHandlers) handleRichWS(c *gin.Context) {
	h.handleAttach(c, false)
}

func (h *WSHandlers) handleAttach(c *gin.Context, isTerminal bool) {
	p := principalFrom(c)
	name := c.Param("name")
	if err := tmux.ValidateName(name); err != nil {
		writeError(c, h.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	var (
		sink   *wsSink
		handle executor.StreamHandle
	)
	if isTerminal {
		cols, _ := strconv.Atoi(c.Query("cols"))
		rows, _ := strconv.Atoi(c.Query("rows"))
		sink = newWSSink(conn, websocket.BinaryMessage)
		handle, err = h.mgr.AttachTerminal(c.Request.Context(), p.UserID, name, cols, rows, sink)
	} else {
		sink = newWSSink(conn, websocket.TextMessage)
		handle, err = h.mgr.AttachRich(c.Request.Context(), p.UserID, name, sink)
	}
	if err != nil {
		h.logger.Warn("attach failed",
			zap.String("session", name),
			zap.String("user_id", p.UserID),
			zap.Error(err))
		h.closeWith(conn, closeCodeFor(err), err.Error())
		return
	}

	// Client payloads flow toward the session until either side closes.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err := handle.Send(data); err != nil {
			break
		}
	}
	handle.Close()
}

// handleExecutorControl authenticates an executor and hands its socket to
// the registry for the life of the connection.
func (h *WSHandlers) handleExecutorControl(c *gin.Context) {
	owner, err := h.executorOwner(c)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "executor authentication failed"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("executor upgrade failed", zap.Error(err))
		return
	}
	h.reg.ServeControl(conn, owner)
}

// handleExecutorTerminal accepts an executor's dialed-back terminal
// channel. The upgrade only sticks if the registry has a matching pending
// channel; orphan dials are closed with a policy violation.
func (h *WSHandlers) handleExecutorTerminal(c *gin.Context) {
	if _, err := h.executorOwner(c); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "executor authentication failed"})
		return
	}
	channelID := c.Param("channelId")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("terminal channel upgrade failed", zap.Error(err))
		return
	}
	if err := h.reg.ResolveTerminalChannel(channelID, conn); err != nil {
		h.logger.Warn("refusing orphan terminal channel",
			zap.String("channel_id", channelID),
			zap.Error(err))
		h.closeWith(conn, websocket.ClosePolicyViolation, "unknown channel")
	}
}

// executorOwner resolves the executor credential to its owning user. A
// per-user key ("chk_…") is checked against the store; the static
// configured token falls back to the default principal. No configured
// token and no valid key means remote executors are refused.
func (h *WSHandlers) executorOwner(c *gin.Context) (string, error) {
	token := c.GetHeader(HeaderExecutorToken)
	if token == "" {
		return "", fmt.Errorf("%w: missing %s", errdefs.ErrUnauthenticated, HeaderExecutorToken)
	}
	if strings.HasPrefix(token, "chk_") {
		return h.mgr.ValidateExecutorKey(c.Request.Context(), token)
	}
	if h.execCfg.Token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(h.execCfg.Token)) == 1 {
		return DefaultUserID, nil
	}
	return "", fmt.Errorf("%w: bad executor token", errdefs.ErrUnauthenticated)
}

func (h *WSHandlers) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), closeDeadline())
	_ = conn.Close()
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

func closeCodeFor(err error) int {
	switch statusFor(err) {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return websocket.ClosePolicyViolation
	case http.StatusNotFound:
		return websocket.CloseNormalClosure
	default:
		return websocket.CloseInternalServerErr
	}
}
