package main

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jadolg/temprepo"
)

const bearerPrefix = "Bearer "

// AuthMiddleware rejects checkout requests that carry no valid API key or basic auth
type AuthMiddleware struct {
	enabled  bool
	realm    string
	username string
	password string
	apiKeys  []string
	logger   log.FieldLogger
}

// NewAuthMiddleware snapshots config. Blank API keys are ignored.
func NewAuthMiddleware(config *temprepo.AuthConfig, logger log.FieldLogger) *AuthMiddleware {
	if logger == nil {
		logger = log.StandardLogger()
	}
	a := &AuthMiddleware{realm: temprepo.DefaultAuthRealm, logger: logger}
	if config == nil {
		return a
	}

	a.enabled = config.Enabled
	a.username = config.Username
	a.password = config.Password
	if config.Realm != "" {
		a.realm = config.Realm
	}
	a.apiKeys = temprepo.NormalizeAPIKeys(config.APIKeys)
	return a
}

// IsEnabled returns true if authentication is configured and enabled
func (a *AuthMiddleware) IsEnabled() bool {
	return a.enabled
}

// WrapFunc wraps an http.HandlerFunc with authentication checks
func (a *AuthMiddleware) WrapFunc(next http.HandlerFunc) http.HandlerFunc {
	if !a.IsEnabled() {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		method, ok := a.authenticate(r)
		if ok {
			next(w, r)
			return
		}

		a.logger.WithFields(log.Fields{
			"remote": r.RemoteAddr,
			"method": method,
			"path":   r.URL.Path,
		}).Warn("Rejected unauthenticated request")
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", a.realm))
		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
	}
}

// authenticate tries an API key first, then basic auth. It also reports
// which kind of credential the request presented.
func (a *AuthMiddleware) authenticate(r *http.Request) (string, bool) {
	if key, ok := apiKeyFromRequest(r); ok {
		return "api_key", a.validateAPIKey(key)
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return "none", false
	}
	return "basic", a.validateBasicAuth(username, password)
}

// apiKeyFromRequest reads X-API-Key or an Authorization bearer token
func apiKeyFromRequest(r *http.Request) (string, bool) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, true
	}
	header := r.Header.Get("Authorization")
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		if key := strings.TrimSpace(header[len(bearerPrefix):]); key != "" {
			return key, true
		}
	}
	return "", false
}

// validateAPIKey compares against every key so timing does not reveal which one matched
func (a *AuthMiddleware) validateAPIKey(key string) bool {
	matched := false
	for _, validKey := range a.apiKeys {
		if secureCompare(key, validKey) {
			matched = true
		}
	}
	return matched
}

func (a *AuthMiddleware) validateBasicAuth(username, password string) bool {
	if a.username == "" {
		return false
	}

	usernameMatch := secureCompare(username, a.username)
	passwordMatch := secureCompare(password, a.password)

	return usernameMatch && passwordMatch
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
