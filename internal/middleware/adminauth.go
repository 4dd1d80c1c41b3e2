// Package middleware содержит HTTP middleware биллингового сервиса.
package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// AdminAuth выполняет проверку административного токена в заголовке Authorization.
type AdminAuth struct {
	token []byte
}

// NewAdminAuth создаёт новый экземпляр AdminAuth с указанным токеном.
// Пустой токен заменяется случайным: административные маршруты остаются
// закрытыми, пока токен не задан явно.
func NewAdminAuth(token string) *AdminAuth {
	key := []byte(token)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("admin-disabled")
		}
	}

	return &AdminAuth{
		token: key,
	}
}

// Middleware пропускает запрос дальше только с корректным bearer-токеном.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		got := strings.TrimPrefix(header, bearerPrefix)
		if !hmac.Equal([]byte(got), a.token) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
