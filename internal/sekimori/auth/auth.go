// Package auth implements bearer-token authentication and the capability
// permission model for the gateway.
//
// The gate runs as a pre-handler on every inbound request.  Public paths
// (/health) bypass authentication and carry an anonymous identity with no
// permissions.  In "none" mode every request is anonymous with the "*"
// permission.  In "bearer" mode the presented token is hashed with SHA-256
// and compared against each configured token hash with a constant-time
// comparison; the plaintext token is never logged, stored, or echoed.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bdobrica/Sekimori/common/reqid"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
)

// AnonymousClientID is the client_id attached to unauthenticated requests.
const AnonymousClientID = "anonymous"

// Info is the authenticated identity attached to a request.
type Info struct {
	ClientID    string
	Permissions []string
}

// infoKey is the unexported context key for Info.
type infoKey struct{}

// WithInfo returns a child context carrying the identity.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// FromContext extracts the identity from ctx.  The second return value is
// false when no gate ran for this request.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

// token is a parsed credential: the decoded 32-byte hash plus metadata.
type token struct {
	name        string
	hash        []byte
	permissions []string
}

// FailureHook is called on every authentication failure with the client's
// remote address and the failure code (UNAUTHORIZED or INVALID_TOKEN).  The
// audit notifier hangs off this; the hook must not block.
type FailureHook func(r *http.Request, code string)

// Gate authenticates inbound requests.
type Gate struct {
	mode      config.AuthMode
	tokens    []token
	public    map[string]struct{}
	onFailure FailureHook
}

// NewGate builds a gate from validated configuration.  The config layer has
// already checked every hash against ^sha256:[0-9a-f]{64}$, so decoding here
// cannot fail on well-formed input; a malformed hash is a programming error.
func NewGate(authCfg config.Auth, publicPaths []string, onFailure FailureHook) (*Gate, error) {
	g := &Gate{
		mode:      authCfg.Mode,
		public:    make(map[string]struct{}, len(publicPaths)),
		onFailure: onFailure,
	}
	for _, p := range publicPaths {
		g.public[p] = struct{}{}
	}
	for _, tc := range authCfg.Tokens {
		raw, err := hex.DecodeString(strings.TrimPrefix(tc.Hash, "sha256:"))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("auth: token %q: malformed hash", tc.Name)
		}
		g.tokens = append(g.tokens, token{
			name:        tc.Name,
			hash:        raw,
			permissions: tc.Permissions,
		})
	}
	return g, nil
}

// Middleware wraps next with the authentication pre-handler.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.public[r.URL.Path]; ok {
			next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(),
				Info{ClientID: AnonymousClientID, Permissions: []string{}})))
			return
		}

		if g.mode == config.AuthNone {
			next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(),
				Info{ClientID: AnonymousClientID, Permissions: []string{"*"}})))
			return
		}

		header := r.Header.Get("Authorization")
		const scheme = "Bearer "
		if !strings.HasPrefix(header, scheme) {
			g.fail(w, r, "UNAUTHORIZED", "missing or malformed Authorization header")
			return
		}
		presented := sha256.Sum256([]byte(header[len(scheme):]))

		for _, tok := range g.tokens {
			// Both operands are fixed-width SHA-256 outputs, so the
			// comparison runs in constant time over equal lengths.
			if hmac.Equal(presented[:], tok.hash) {
				next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(),
					Info{ClientID: tok.name, Permissions: tok.permissions})))
				return
			}
		}
		g.fail(w, r, "INVALID_TOKEN", "token not recognized")
	})
}

func (g *Gate) fail(w http.ResponseWriter, r *http.Request, code, message string) {
	if g.onFailure != nil {
		g.onFailure(r, code)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": reqid.FromContext(r.Context()),
		},
	})
}
