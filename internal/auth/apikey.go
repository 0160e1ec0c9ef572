// Package auth 客户端 API key 校验
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// ExtractClientKey 从请求头中提取客户端 key
// 优先 x-api-key，其次 Authorization: Bearer
func ExtractClientKey(h http.Header) string {
	if key := h.Get("x-api-key"); key != "" {
		return key
	}

	authHeader := h.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimSpace(authHeader[len(prefix):])
	}

	return ""
}

// ValidateClientKey 校验客户端 key
// expected 为空时接受任何请求（包括不带 key 的请求）
func ValidateClientKey(expected, provided string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// GenerateAPIKey generates a secure random API key
// Format: sk-<base64-url-encoded-string>
// Security: 32 bytes of entropy (256 bits)
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Use URL-safe base64 encoding without padding
	key := base64.RawURLEncoding.EncodeToString(bytes)

	return fmt.Sprintf("sk-%s", key), nil
}

// GetAPIKeyPrefix returns the first 16 characters for logging
// This prevents logging full API keys while still being useful for debugging
func GetAPIKeyPrefix(key string) string {
	if len(key) > 16 {
		return key[:16] + "..."
	}
	return key
}
