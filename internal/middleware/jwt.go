package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig 描述 Bearer token 的校验方式：JWKS（非对称签名）与 HMAC 密钥，至少配置一种。
type JWTConfig struct {
	JWKSURL         string
	HMACSecret      string
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// JWTAuth 校验 Bearer token，并把 sub claim 作为调用方身份写入 context。
type JWTAuth struct {
	jwks    *keyfunc.JWKS
	keyfunc jwt.Keyfunc
	leeway  time.Duration
	logger  *slog.Logger
}

// NewJWTAuth 初始化校验器。JWKS 会在后台按 RefreshInterval 刷新，遇到未知 kid 时也会刷新。
func NewJWTAuth(cfg JWTConfig, logger *slog.Logger) (*JWTAuth, error) {
	logger = logger.With(slog.String("component", "jwt_auth"))
	if cfg.JWKSURL == "" && cfg.HMACSecret == "" {
		return nil, errors.New("jwt auth requires a JWKS URL or an HMAC secret")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}

	var jwks *keyfunc.JWKS
	if cfg.JWKSURL != "" {
		var err error
		jwks, err = keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Client:            &http.Client{Timeout: 10 * time.Second},
			RefreshInterval:   cfg.RefreshInterval,
			RefreshRateLimit:  time.Minute,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.Error("jwks refresh failed", slog.String("url", cfg.JWKSURL), slog.Any("error", err))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("load jwks from %s: %w", cfg.JWKSURL, err)
		}
		logger.Info("jwks loaded", slog.String("url", cfg.JWKSURL))
	}

	secret := []byte(cfg.HMACSecret)
	kf := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if len(secret) == 0 {
				return nil, errors.New("hmac tokens are not accepted")
			}
			return secret, nil
		}
		if jwks == nil {
			return nil, fmt.Errorf("no key for signing method %s", token.Method.Alg())
		}
		return jwks.Keyfunc(token)
	}

	return &JWTAuth{jwks: jwks, keyfunc: kf, leeway: cfg.Leeway, logger: logger}, nil
}

// Close 停止 JWKS 后台刷新。
func (j *JWTAuth) Close() {
	if j != nil && j.jwks != nil {
		j.jwks.EndBackground()
	}
}

// Middleware 返回 HTTP 中间件，期望请求头格式：Authorization: Bearer <token>。
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, "Bearer", "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeAuthError(w, "Bearer", "invalid Authorization format, expected: Bearer <token>")
				return
			}
			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				writeAuthError(w, "Bearer", "empty token")
				return
			}

			claims := jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, j.keyfunc,
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			)
			if err != nil || !token.Valid {
				j.logger.Debug("token rejected", slog.Any("error", err))
				writeAuthError(w, "Bearer", "invalid token")
				return
			}
			if claims.Subject == "" {
				writeAuthError(w, "Bearer", "token has no subject")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Subject)))
		})
	}
}
