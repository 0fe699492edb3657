package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// originPolicy decides which browser origins may call the API. An empty list or "*"
// allows every origin.
type originPolicy struct {
	allowAll bool
	allowed  []string
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowAll: len(origins) == 0}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			p.allowAll = true
			break
		}
		p.allowed = append(p.allowed, strings.ToLower(strings.TrimRight(origin, "/")))
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if p.allowAll {
		return true
	}
	origin = strings.ToLower(origin)
	for _, candidate := range p.allowed {
		if candidate == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds Access-Control headers for allowed origins and short-circuits
// preflight requests.
func corsMiddleware(origins []string) gin.HandlerFunc {
	policy := newOriginPolicy(origins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && policy.allows(origin) {
			if policy.allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SplitOrigins parses a comma separated origin list.
func SplitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
