package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

type contextKey string

const (
	UserIDKey   contextKey = "userID"
	identityKey contextKey = "identity"
)

// WithIdentity stores the acting user on ctx.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, id.UserID)
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

// Auth validates an HMAC-signed JWT and puts the identity it carries on the
// request context. The user id is the `sub` claim.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// For WebSockets, tokens are often passed in the query string
			// because the browser's WebSocket API doesn't support custom headers.
			tokenString := r.URL.Query().Get("token")

			// Fallback to Header if you're testing via Postman/CURL
			if tokenString == "" {
				authHeader := r.Header.Get("Authorization")
				tokenString = strings.TrimPrefix(authHeader, "Bearer ")
			}

			if tokenString == "" {
				http.Error(w, "Unauthorized: No token provided", http.StatusUnauthorized)
				return
			}

			if secret == "" {
				logger.Sugar.Error("JWT secret is not configured; rejecting request")
				http.Error(w, "Unauthorized: server is not configured to validate tokens", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				logger.Sugar.Warnf("Invalid token: %v", err)
				http.Error(w, "Unauthorized: Invalid or expired token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Unauthorized: Could not parse token claims", http.StatusUnauthorized)
				return
			}
			id, ok := identityFromClaims(claims)
			if !ok {
				http.Error(w, "Unauthorized: User ID (sub) claim is missing or invalid", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func identityFromClaims(claims jwt.MapClaims) (model.Identity, bool) {
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return model.Identity{}, false
	}
	id := model.Identity{UserID: userID}

	meta, _ := claims["user_metadata"].(map[string]interface{})
	id.UserName = firstString(claims["name"], meta["full_name"], meta["name"], claims["email"])
	id.Avatar = firstString(claims["avatar_url"], meta["avatar_url"])
	if id.UserName == "" {
		id.UserName = userID
	}
	return id, true
}

func firstString(values ...interface{}) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
