package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated wallet behind a request. The signature login
// flow that mints tokens lives outside this service; the engine only
// verifies and consumes them.
type Identity struct {
	Address common.Address
	ChainID int64
}

// Claims is the JWT payload.
type Claims struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
	jwt.RegisteredClaims
}

type ctxKey int

const identityKey ctxKey = iota

// identityFrom returns the authenticated identity, if any.
func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// parseToken validates a bearer token and extracts the identity.
func (s *Server) parseToken(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, jwt.ErrTokenMalformed
	}
	if !common.IsHexAddress(claims.Address) {
		return Identity{}, jwt.ErrTokenInvalidClaims
	}
	return Identity{
		Address: common.HexToAddress(claims.Address),
		ChainID: claims.ChainID,
	}, nil
}

// bearerToken pulls the token from the Authorization header or, for WS
// handshakes, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.URL.Query().Get("token")
}

// requireAuth wraps authed endpoints: a missing token is UNAUTHORIZED, a bad
// one INVALID_TOKEN.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			return
		}
		id, err := s.parseToken(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next(w, r.WithContext(ctx))
	}
}
