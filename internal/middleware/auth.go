package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// identityKey 是存储在 context 中的调用方身份的键。
type identityKey struct{}

// WithIdentity 把已鉴权的调用方身份写入 context。
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// Identity 从 context 中获取经过鉴权的调用方身份，未鉴权时返回空串。
func Identity(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey{}).(string); ok {
		return v
	}
	return ""
}

// APIKeyAuth 创建 API Key 鉴权中间件。
// 期望请求头格式：Authorization: ApiKey <token>
// 验证成功后以 key 的指纹作为调用方身份，原始 key 不会进入日志或元数据。
func APIKeyAuth(validKeys []string) func(http.Handler) http.Handler {
	keys := make([][]byte, 0, len(validKeys))
	for _, key := range validKeys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keys = append(keys, []byte(trimmed))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, "ApiKey", "missing Authorization header")
				return
			}

			const prefix = "ApiKey "
			if !strings.HasPrefix(authHeader, prefix) {
				writeAuthError(w, "ApiKey", "invalid Authorization format, expected: ApiKey <token>")
				return
			}

			apiKey := []byte(strings.TrimSpace(strings.TrimPrefix(authHeader, prefix)))
			if len(apiKey) == 0 {
				writeAuthError(w, "ApiKey", "empty API key")
				return
			}

			valid := false
			for _, k := range keys {
				if subtle.ConstantTimeCompare(k, apiKey) == 1 {
					valid = true
				}
			}
			if !valid {
				writeAuthError(w, "ApiKey", "invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), keyFingerprint(apiKey))))
		})
	}
}

// keyFingerprint 返回 "apikey:" 加 sha256 前 12 位十六进制。
func keyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return "apikey:" + hex.EncodeToString(sum[:])[:12]
}

func writeAuthError(w http.ResponseWriter, scheme, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", scheme+` realm="assetvault"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": "Unauthorized", "message": message},
	})
}
