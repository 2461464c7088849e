// Package middleware содержит HTTP middleware сервиса валет-паркинга.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/valet-system/internal/model"
)

type contextKey string

const staffKey contextKey = "staff"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
)

// AuthMiddleware выполняет проверку личности сотрудника по подписанному cookie.
// Управление учётными записями и выдача cookie — внешняя подсистема; здесь
// проверяется только подпись и извлекаются идентификатор и роль.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет сотрудника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		staff, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), staffKey, staff)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного сотрудника.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, staff model.Staff) {
	value := a.sign(staff.ID, staff.Role)

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(id int64, role model.StaffRole) string {
	payload := strconv.FormatInt(id, 10) + "." + string(role)
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (model.Staff, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 3 {
		return model.Staff{}, false
	}

	idStr, role, signature := parts[0], parts[1], parts[2]

	payload := idStr + "." + role
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(want)) {
		return model.Staff{}, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return model.Staff{}, false
	}

	return model.Staff{ID: id, Role: model.StaffRole(role)}, true
}

// GetStaffFromContext извлекает сотрудника из контекста запроса.
func GetStaffFromContext(ctx context.Context) (model.Staff, bool) {
	staff, ok := ctx.Value(staffKey).(model.Staff)
	return staff, ok
}
