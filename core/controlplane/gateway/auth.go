package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const apiKeyPrefix = "gk_"
const apiKeyMinLen = 16

// AuthContext is the verified identity bound to a connection.
type AuthContext struct {
	UserID  string `json:"userId"`
	OrgID   string `json:"orgId"`
	OrgSlug string `json:"orgSlug,omitempty"`
	Email   string `json:"email,omitempty"`
	// APIKey is the credential the connection authenticated with.
	// Never serialized.
	APIKey string `json:"-"`
}

var ErrInvalidCredential = errors.New("invalid credential")

// CredentialStore resolves an API key (plus optional caller-supplied
// user id) to a verified identity.
type CredentialStore interface {
	Verify(ctx context.Context, apiKey, userID string) (AuthContext, error)
}

// ValidateAPIKeyFormat rejects keys that cannot possibly be valid
// before any store lookup happens.
func ValidateAPIKeyFormat(key string) error {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return fmt.Errorf("api key must start with %q", apiKeyPrefix)
	}
	if len(key) < apiKeyMinLen {
		return fmt.Errorf("api key too short")
	}
	for _, r := range key[len(apiKeyPrefix):] {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("api key contains invalid character")
	}
	return nil
}

type credentialRecord struct {
	Key     string `json:"key"`
	UserID  string `json:"userId"`
	OrgID   string `json:"orgId"`
	OrgSlug string `json:"orgSlug"`
	Email   string `json:"email"`
}

// EnvCredentialStore serves credentials loaded from the
// GOVERNS_API_KEYS environment variable. Two formats are accepted: a
// JSON array of {key, userId, orgId, orgSlug, email} records, or a
// comma list of key:orgId[:userId] triples for quick setups.
type EnvCredentialStore struct {
	byKey map[string]AuthContext
}

func NewEnvCredentialStore() (*EnvCredentialStore, error) {
	return ParseCredentials(os.Getenv("GOVERNS_API_KEYS"))
}

func ParseCredentials(raw string) (*EnvCredentialStore, error) {
	store := &EnvCredentialStore{byKey: make(map[string]AuthContext)}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return store, nil
	}
	if strings.HasPrefix(raw, "[") {
		var records []credentialRecord
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			return nil, fmt.Errorf("parse GOVERNS_API_KEYS: %w", err)
		}
		for _, rec := range records {
			if rec.Key == "" || rec.OrgID == "" {
				return nil, fmt.Errorf("credential record missing key or orgId")
			}
			store.byKey[rec.Key] = AuthContext{
				UserID:  rec.UserID,
				OrgID:   rec.OrgID,
				OrgSlug: rec.OrgSlug,
				Email:   rec.Email,
			}
		}
		return store, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 {
			return nil, fmt.Errorf("credential entry %q needs key:orgId", part)
		}
		auth := AuthContext{OrgID: fields[1]}
		if len(fields) > 2 {
			auth.UserID = fields[2]
		}
		store.byKey[fields[0]] = auth
	}
	return store, nil
}

func (s *EnvCredentialStore) Add(key string, auth AuthContext) {
	s.byKey[key] = auth
}

func (s *EnvCredentialStore) Verify(ctx context.Context, apiKey, userID string) (AuthContext, error) {
	auth, ok := s.byKey[apiKey]
	if !ok {
		return AuthContext{}, ErrInvalidCredential
	}
	if userID != "" {
		if auth.UserID != "" && auth.UserID != userID {
			return AuthContext{}, ErrInvalidCredential
		}
		auth.UserID = userID
	}
	return auth, nil
}
