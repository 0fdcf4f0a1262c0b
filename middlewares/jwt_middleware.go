package middlewares

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"kpitracker/models"
	"kpitracker/utils"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Claims carries the caller identity. Subject holds the user id hex.
type Claims struct {
	Role         string `json:"role"`
	DepartmentID string `json:"department_id,omitempty"`
	jwt.RegisteredClaims
}

type contextKey string

const CallerContextKey contextKey = "caller"

func JWTMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				utils.HandleMessageResponse(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				utils.HandleMessageResponse(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil {
				utils.HandleMessageResponse(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || !token.Valid {
				utils.HandleMessageResponse(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			caller, err := claims.Caller()
			if err != nil {
				utils.HandleMessageResponse(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func (c *Claims) Caller() (models.Caller, error) {
	id, err := primitive.ObjectIDFromHex(c.Subject)
	if err != nil {
		return models.Caller{}, fmt.Errorf("token subject is not a user id")
	}
	caller := models.Caller{ID: id, Role: c.Role}
	if c.DepartmentID != "" {
		dept, err := primitive.ObjectIDFromHex(c.DepartmentID)
		if err != nil {
			return models.Caller{}, fmt.Errorf("token department_id is not an id")
		}
		caller.DepartmentID = dept
	}
	return caller, nil
}

func WithCaller(ctx context.Context, caller models.Caller) context.Context {
	return context.WithValue(ctx, CallerContextKey, caller)
}

func CallerFromContext(ctx context.Context) (models.Caller, bool) {
	caller, ok := ctx.Value(CallerContextKey).(models.Caller)
	return caller, ok
}
