package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods  = "GET,HEAD,POST,PUT,DELETE,OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, Range, If-None-Match, X-Requested-With"
	corsExposeHeaders = "Content-Length, Content-Range, Accept-Ranges, Content-Disposition, ETag, " +
		"X-Image-Width, X-Image-Height, X-Image-Transformed, X-Request-Id"
	corsMaxAge = "600"
)

// corsPolicy 是解析后的来源白名单。"*" 放行全部；"https://*.example.com" 形式匹配任意子域。
type corsPolicy struct {
	any      bool
	exact    map[string]struct{}
	suffixes []corsSuffix
}

type corsSuffix struct {
	scheme string
	domain string // 以 "." 开头
}

func newCORSPolicy(origins []string) corsPolicy {
	p := corsPolicy{exact: map[string]struct{}{}}
	for _, raw := range origins {
		origin := strings.TrimRight(strings.TrimSpace(raw), "/")
		switch {
		case origin == "":
		case origin == "*":
			p.any = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*")
			p.suffixes = append(p.suffixes, corsSuffix{scheme: scheme, domain: strings.ToLower(host)})
		default:
			p.exact[origin] = struct{}{}
		}
	}
	return p
}

// match 返回应写入 Access-Control-Allow-Origin 的值，空字符串表示拒绝。
func (p corsPolicy) match(origin string) string {
	if origin == "" {
		return ""
	}
	if p.any {
		return "*"
	}
	if _, ok := p.exact[origin]; ok {
		return origin
	}
	scheme, host, ok := strings.Cut(origin, "://")
	if !ok {
		return ""
	}
	host = strings.ToLower(host)
	for _, s := range p.suffixes {
		if s.scheme == scheme && strings.HasSuffix(host, s.domain) && len(host) > len(s.domain) {
			return origin
		}
	}
	return ""
}

// CORS 生成跨域中间件。预检请求在这里直接以 204 结束，不进入路由与鉴权。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newCORSPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed := policy.match(r.Header.Get("Origin"))
			if allowed == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			if allowed != "*" {
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
