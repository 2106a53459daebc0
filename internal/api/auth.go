package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccountHeader carries the caller's account when no JWT secret is
// configured. Only suitable behind a trusted gateway.
const AccountHeader = "X-Account"

type ctxKey int

const accountKey ctxKey = 1

// CallerFromContext returns the authenticated account of the request.
func CallerFromContext(ctx context.Context) (string, bool) {
	acct, ok := ctx.Value(accountKey).(string)
	return acct, ok && acct != ""
}

// WithCaller attaches an authenticated account to ctx.
func WithCaller(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// Authenticator resolves the calling account of a request. With a secret
// set it verifies HS256 bearer tokens and uses their subject; otherwise it
// trusts the X-Account header.
type Authenticator struct {
	Secret []byte
	Issuer string
}

// Sign issues a token for account valid for ttl.
func (a Authenticator) Sign(account string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   account,
		Issuer:    a.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

// Verify parses token and returns its subject.
func (a Authenticator) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// Middleware attaches the caller to the request context when one can be
// established. Requests without credentials pass through anonymously;
// requests with bad credentials are rejected.
func (a Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.Secret) == 0 {
			if acct := strings.TrimSpace(r.Header.Get(AccountHeader)); acct != "" {
				r = r.WithContext(WithCaller(r.Context(), acct))
			}
			next.ServeHTTP(w, r)
			return
		}

		h := r.Header.Get("Authorization")
		if h == "" {
			next.ServeHTTP(w, r)
			return
		}
		tok := bearerToken(h)
		if tok == "" {
			writeError(w, "malformed authorization header", http.StatusUnauthorized)
			return
		}
		acct, err := a.Verify(tok)
		if err != nil {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), acct)))
	})
}

// requireCaller rejects anonymous requests.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CallerFromContext(r.Context()); !ok {
			writeError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(v string) string {
	parts := strings.SplitN(strings.TrimSpace(v), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
