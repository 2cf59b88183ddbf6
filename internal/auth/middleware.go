package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/trust-ledger/internal/ledger"
)

// Scopes understood by the ledger API.
const (
	ScopeRead      = "trust:read"
	ScopeWrite     = "trust:write"
	ScopeReconcile = "trust:reconcile"
	ScopeAdmin     = "trust:admin"
)

// AccessTokenClaims are the claims the identity provider puts in a bearer
// token. The subject is the acting user recorded on every posting.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

type authInfoKey struct{}

type AuthInfo struct {
	Subject string
	Scopes  map[string]struct{}
}

func (ai *AuthInfo) HasScope(s string) bool {
	if _, ok := ai.Scopes[ScopeAdmin]; ok {
		return true
	}
	_, ok := ai.Scopes[s]
	return ok
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	v := ctx.Value(authInfoKey{})
	ai, ok := v.(*AuthInfo)
	return ai, ok
}

type JWTValidator struct {
	KeySet   *KeySet
	Issuer   string
	Audience string
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	if v.KeySet.PublicKey() == nil {
		return nil, errors.New("missing keyset")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}

	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.KeySet.PublicKey(), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Authenticate verifies the bearer token and records its subject as the
// acting user for the ledger.
func Authenticate(v *JWTValidator, onError func(http.ResponseWriter, *http.Request, int, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			tok := strings.TrimSpace(authz[len("Bearer "):])
			claims, err := v.Validate(tok)
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			scopes := map[string]struct{}{}
			for _, s := range claims.Scopes {
				scopes[s] = struct{}{}
			}

			ai := &AuthInfo{Subject: claims.Subject, Scopes: scopes}
			ctx := context.WithValue(r.Context(), authInfoKey{}, ai)
			ctx = ledger.WithActor(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireScopes(onError func(http.ResponseWriter, *http.Request, int, string), required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			for _, s := range required {
				if !ai.HasScope(s) {
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
