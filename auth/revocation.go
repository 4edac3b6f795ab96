// Package auth revokes access tokens through the shared JWT blacklist.
//
// Tokens are not verified here: signature checks belong to the credential
// source. Only the exp claim is read, to bound how long a revocation is kept.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/resilience"
)

var (
	// ErrMalformedToken is returned for a string that is not a JWT.
	ErrMalformedToken = errors.New("malformed token")

	// ErrTokenWithoutExpiry is returned for a token with no exp claim; its
	// revocation could never expire.
	ErrTokenWithoutExpiry = errors.New("token has no expiry")
)

// Blacklist stores revoked tokens until they expire.
type Blacklist interface {
	BlacklistJwt(ctx context.Context, token string, exp int64) error
	IsJwtBlacklisted(ctx context.Context, token string) (bool, error)
}

// Revoker revokes tokens and rejects requests carrying them.
type Revoker struct {
	blacklist Blacklist
	parser    *jwt.Parser
	logger    logging.Logger
}

// NewRevoker creates a Revoker over blacklist.
func NewRevoker(blacklist Blacklist, logger logging.Logger) *Revoker {
	return &Revoker{
		blacklist: blacklist,
		parser:    jwt.NewParser(),
		logger:    logging.OrNoOp(logger),
	}
}

// Revoke blacklists token until its exp claim. An already expired token is
// accepted and not stored.
func (r *Revoker) Revoke(ctx context.Context, token string) error {
	exp, err := r.expiry(token)
	if err != nil {
		return err
	}
	if err := r.blacklist.BlacklistJwt(ctx, token, exp); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether token is blacklisted.
func (r *Revoker) IsRevoked(ctx context.Context, token string) (bool, error) {
	return r.blacklist.IsJwtBlacklisted(ctx, token)
}

func (r *Revoker) expiry(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	if exp == nil {
		return 0, ErrTokenWithoutExpiry
	}
	return exp.Unix(), nil
}

// Middleware rejects requests whose bearer token is revoked with 401, and
// answers 503 while the blacklist cannot be read. Requests without a bearer
// token pass through.
func (r *Revoker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, ok := BearerToken(req)
		if !ok {
			next.ServeHTTP(w, req)
			return
		}

		ctx := req.Context()
		revoked, err := r.blacklist.IsJwtBlacklisted(ctx, token)
		switch {
		case err != nil && resilience.IsDegraded(err):
			r.logger.Warn("token blacklist unavailable", "error", err, "correlation_id", logging.CorrelationID(ctx))
			writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "Token validation is temporarily unavailable.")
		case err != nil:
			r.logger.Error("token blacklist check failed", "error", err, "correlation_id", logging.CorrelationID(ctx))
			writeError(w, http.StatusInternalServerError, "Internal Server Error", "Authentication error.")
		case revoked:
			writeError(w, http.StatusUnauthorized, "Unauthorized", "Token has been revoked.")
		default:
			next.ServeHTTP(w, req)
		}
	})
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

type errorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Status: status, Error: title, Message: message})
}
