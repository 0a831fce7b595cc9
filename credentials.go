package temprepo

import (
	"net/http"
	"strings"
	"sync"
)

// HostCredentials holds authentication credentials for a tarball host.
// A non-empty Token is sent as a bearer token and wins over Username/Password.
type HostCredentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// CredentialStore manages credentials for multiple hosts
type CredentialStore struct {
	credentials map[string]HostCredentials
	mu          sync.RWMutex
}

// NewCredentialStore creates an empty credential store
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{credentials: make(map[string]HostCredentials)}
}

// Set stores credentials for host
func (s *CredentialStore) Set(host string, creds HostCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[normalizeHost(host)] = creds
}

// Get retrieves the credentials for host
func (s *CredentialStore) Get(host string) (HostCredentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.credentials[normalizeHost(host)]
	return creds, ok
}

// apply sets the authorization header of req when credentials exist for its host
func (s *CredentialStore) apply(req *http.Request) bool {
	if s == nil {
		return false
	}
	creds, ok := s.Get(req.URL.Hostname())
	if !ok {
		return false
	}
	switch {
	case creds.Token != "":
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	case creds.Username != "":
		req.SetBasicAuth(creds.Username, creds.Password)
	default:
		return false
	}
	return true
}

// normalizeHost normalizes host names for consistent lookup
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	switch host {
	case "github.com", "codeload.github.com", "api.github.com":
		return "github.com"
	case "gitlab.com", "www.gitlab.com":
		return "gitlab.com"
	}
	return host
}
