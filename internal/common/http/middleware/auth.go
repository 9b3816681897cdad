package middleware

import (
	"crypto/subtle"

	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// AuthConfig configures the shared-secret gate.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Header  string `yaml:"header"`
	Secret  string `yaml:"secret"`
}

const defaultAuthHeader = "auth"

// SharedSecretMiddleware rejects requests whose header does not carry the
// configured secret. It is a no-op when disabled.
func SharedSecretMiddleware(cfg AuthConfig, onReject func()) gin.HandlerFunc {
	header := cfg.Header
	if header == "" {
		header = defaultAuthHeader
	}
	secret := []byte(cfg.Secret)
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(header))
		if len(secret) == 0 || subtle.ConstantTimeCompare(got, secret) != 1 {
			if onReject != nil {
				onReject()
			}
			response.AbortWithErrorCode(c, appErr.Forbidden, "")
			return
		}
		c.Next()
	}
}
