// Package gateway is the HTTP/WebSocket frontdoor: thin handlers that
// authenticate the principal and delegate to the session manager and the
// executor registry.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
)

const (
	// HeaderAuthToken carries the signed principal on API requests.
	// Browser WebSocket clients cannot set headers, so the same value is
	// accepted as a "token" query parameter.
	HeaderAuthToken = "x-auth-token"

	// HeaderExecutorToken gates the executor-facing WebSocket upgrades.
	HeaderExecutorToken = "x-executor-token"

	// DefaultUserID is the development principal used when no token is
	// presented outside production mode.
	DefaultUserID = "default"

	principalKey = "principal"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
}

// Authenticator verifies signed principal tokens. Tokens are
// "<userID>.<hex hmac-sha256(secret, userID)>"; issuing them is up to the
// deployment's login front (or the Token helper for tooling).
type Authenticator struct {
	secret     []byte
	adminEmail string
	onAdmin    func(context.Context, string) error
	logger     *logger.Logger

	mu      sync.Mutex
	adopted bool
}

// NewAuthenticator builds an authenticator from the auth config. onAdmin
// runs once on the admin principal's first authenticated request.
func NewAuthenticator(cfg config.AuthConfig, onAdmin func(context.Context, string) error, log *logger.Logger) *Authenticator {
	return &Authenticator{
		secret:     []byte(cfg.Secret),
		adminEmail: cfg.AdminEmail,
		onAdmin:    onAdmin,
		logger:     log.WithFields(zap.String("component", "auth")),
	}
}

// Token signs a principal identifier.
func (a *Authenticator) Token(userID string) string {
	return userID + "." + a.sign(userID)
}

func (a *Authenticator) sign(userID string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented token and returns its principal.
func (a *Authenticator) Verify(token string) (Principal, error) {
	i := strings.LastIndex(token, ".")
	if i <= 0 || i == len(token)-1 {
		return Principal{}, fmt.Errorf("%w: malformed token", errdefs.ErrUnauthenticated)
	}
	userID, sig := token[:i], token[i+1:]
	if !hmac.Equal([]byte(sig), []byte(a.sign(userID))) {
		return Principal{}, fmt.Errorf("%w: bad signature", errdefs.ErrUnauthenticated)
	}
	return Principal{UserID: userID}, nil
}

// Authenticate resolves the request's principal. Outside production an
// absent token falls back to the default development principal.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	token := r.Header.Get(HeaderAuthToken)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		if config.IsProduction() {
			return Principal{}, fmt.Errorf("%w: no token presented", errdefs.ErrUnauthenticated)
		}
		p := Principal{UserID: DefaultUserID}
		a.observeLogin(r.Context(), p)
		return p, nil
	}
	p, err := a.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	a.observeLogin(r.Context(), p)
	return p, nil
}

// observeLogin fires the admin adoption hook on the admin's first login.
func (a *Authenticator) observeLogin(ctx context.Context, p Principal) {
	if a.onAdmin == nil || a.adminEmail == "" || p.UserID != a.adminEmail {
		return
	}
	a.mu.Lock()
	already := a.adopted
	a.adopted = true
	a.mu.Unlock()
	if already {
		return
	}
	if err := a.onAdmin(ctx, p.UserID); err != nil {
		a.logger.Warn("admin adoption hook failed", zap.Error(err))
	}
}

// Middleware authenticates every request in the group and stores the
// principal in the gin context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principalFrom(c *gin.Context) Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(Principal)
	return p
}
