// Package auth resolves bearer credentials through the identity service
// over NATS request-reply. Credential issuance lives outside the payment
// core; this package only maps tokens to principals.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"paycore/internal/common/middleware"
)

// SubjectResolve is the identity service request-reply subject.
const SubjectResolve = "identity.token.resolve"

// Config holds auth resolver configuration.
type Config struct {
	RequestTimeout time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`
	// AdminToken is a static operator credential for environments that run
	// without the identity service. Empty disables it.
	AdminToken string `envconfig:"AUTH_ADMIN_TOKEN"`
}

// resolveRequest is sent to the identity service.
type resolveRequest struct {
	Token string `json:"token"`
}

// resolveResponse comes back from the identity service.
type resolveResponse struct {
	Success   bool       `json:"success"`
	UserID    string     `json:"userId"`
	Role      string     `json:"role"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ErrUnresolvable marks credentials the resolver cannot map to a principal.
var ErrUnresolvable = errors.New("credential not resolvable")

// Resolver maps bearer tokens to principals.
type Resolver struct {
	config Config
	nc     *nats.Conn
	logger *slog.Logger
}

// New creates a resolver.
func New(cfg Config, nc *nats.Conn, logger *slog.Logger) *Resolver {
	return &Resolver{config: cfg, nc: nc, logger: logger}
}

// Resolve implements middleware.Authenticator.
func (r *Resolver) Resolve(ctx context.Context, token string) (middleware.Principal, error) {
	if token == "" {
		return middleware.Principal{}, ErrUnresolvable
	}

	if r.config.AdminToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(r.config.AdminToken)) == 1 {
		return middleware.Principal{UserID: "operator", Role: middleware.RoleAdmin}, nil
	}

	if r.nc == nil {
		return middleware.Principal{}, ErrUnresolvable
	}

	reqData, err := json.Marshal(resolveRequest{Token: token})
	if err != nil {
		return middleware.Principal{}, fmt.Errorf("marshal resolve request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	msg, err := r.nc.RequestWithContext(reqCtx, SubjectResolve, reqData)
	if err != nil {
		return middleware.Principal{}, fmt.Errorf("identity service unreachable: %w", err)
	}

	var resp resolveResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return middleware.Principal{}, fmt.Errorf("unmarshal resolve response: %w", err)
	}
	if !resp.Success {
		r.logger.Debug("credential rejected", "error", resp.Error)
		return middleware.Principal{}, ErrUnresolvable
	}

	return middleware.Principal{
		UserID:    resp.UserID,
		Role:      resp.Role,
		CreatedAt: resp.CreatedAt,
	}, nil
}
