// Package auth trusts caller identity asserted by the upstream session layer.
//
// The session layer signs the identity headers with a shared secret; requests
// whose signature does not match are rejected before reaching a handler.
package auth

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/store"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserAdmin = "X-User-Admin"
	HeaderSignature = "X-User-Sig"
)

var ErrUnauthenticated = errors.New("authentication required")

type Caller struct {
	UserID uuid.UUID
	Email  string
	Admin  bool
}

type ctxKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok
}

// Sign returns the hex HMAC-SHA3-256 of "id|email|admin".
func Sign(secret []byte, c Caller) string {
	mac := hmac.New(sha3.New256, secret)
	mac.Write([]byte(c.UserID.String() + "|" + c.Email + "|" + strconv.FormatBool(c.Admin)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SetHeaders writes signed identity headers onto r. Used by the session layer
// and by tests.
func SetHeaders(r *http.Request, secret []byte, c Caller) {
	r.Header.Set(HeaderUserID, c.UserID.String())
	r.Header.Set(HeaderUserEmail, c.Email)
	r.Header.Set(HeaderUserAdmin, strconv.FormatBool(c.Admin))
	r.Header.Set(HeaderSignature, Sign(secret, c))
}

func parse(r *http.Request, secret []byte) (Caller, error) {
	id, err := uuid.Parse(r.Header.Get(HeaderUserID))
	if err != nil {
		return Caller{}, ErrUnauthenticated
	}
	admin := false
	if v := r.Header.Get(HeaderUserAdmin); v != "" {
		if admin, err = strconv.ParseBool(v); err != nil {
			return Caller{}, ErrUnauthenticated
		}
	}
	c := Caller{UserID: id, Email: r.Header.Get(HeaderUserEmail), Admin: admin}
	sig, err := hex.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil || len(sig) == 0 {
		return Caller{}, ErrUnauthenticated
	}
	want, _ := hex.DecodeString(Sign(secret, c))
	if !hmac.Equal(sig, want) {
		return Caller{}, ErrUnauthenticated
	}
	return c, nil
}

// Middleware authenticates every request and registers first-time callers
// with ids.
func Middleware(secret []byte, ids store.Identity, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := parse(r, secret)
			if err != nil {
				deny(w, http.StatusUnauthorized, err.Error())
				return
			}
			if err := ids.EnsureUser(r.Context(), &model.User{ID: c.UserID, Email: c.Email, IsAdmin: c.Admin}); err != nil {
				log.Error("registering caller failed", "err", err)
				deny(w, http.StatusInternalServerError, "internal error")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
		})
	}
}

// RequireAdmin rejects callers without the admin flag.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		if !ok {
			deny(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
			return
		}
		if !c.Admin {
			deny(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}
