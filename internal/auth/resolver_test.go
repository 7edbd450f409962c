package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/middleware"
)

func newTestResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, nil, logger)
}

func TestAdminTokenResolvesToOperator(t *testing.T) {
	r := newTestResolver(t, Config{AdminToken: "s3cret"})

	p, err := r.Resolve(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, middleware.RoleAdmin, p.Role)
	assert.Equal(t, "operator", p.UserID)
}

func TestEmptyTokenRejected(t *testing.T) {
	r := newTestResolver(t, Config{AdminToken: "s3cret"})

	_, err := r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrUnresolvable)
}

func TestUnknownTokenWithoutIdentityService(t *testing.T) {
	r := newTestResolver(t, Config{AdminToken: "s3cret"})

	_, err := r.Resolve(context.Background(), "someone-else")
	require.ErrorIs(t, err, ErrUnresolvable)
}

func TestAdminTokenDisabledWhenUnset(t *testing.T) {
	r := newTestResolver(t, Config{})

	// An empty configured token must never match an empty or arbitrary
	// credential.
	_, err := r.Resolve(context.Background(), "anything")
	require.ErrorIs(t, err, ErrUnresolvable)
}
