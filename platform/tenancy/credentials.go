package tenancy

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxtro/backend/core"
)

// Integration providers an organization can bring its own API key for
const (
	ProviderVoice  = "voice"
	ProviderConvAI = "convai"
)

// ValidProvider returns true for the known providers
func ValidProvider(provider string) bool {
	return provider == ProviderVoice || provider == ProviderConvAI
}

// CredentialInfo describes a stored credential without revealing it
type CredentialInfo struct {
	Provider  string    `json:"provider"`
	KeyHint   string    `json:"key_hint"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetCredential stores the API key of a provider for an organization. An empty key
// deletes the credential.
func (s *Service) SetCredential(ctx context.Context, organizationID uuid.UUID, provider, apiKey string) error {
	if !ValidProvider(provider) {
		return core.Invalidf("unknown provider '%s'", provider)
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		_, err := s.db.ExecContext(ctx, s.db.Q(`DELETE FROM {schema}.integration_credential WHERE organization_id = $1 AND provider = $2;`),
			organizationID, provider)
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Q(`INSERT INTO {schema}.integration_credential (organization_id, provider, api_key, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (organization_id, provider) DO UPDATE SET api_key = $3, updated_at = now();`), organizationID, provider, apiKey)
	return err
}

// Credential returns the API key of a provider for an organization, or "" if the
// organization has none.
func (s *Service) Credential(ctx context.Context, organizationID uuid.UUID, provider string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, s.db.Q(`SELECT api_key FROM {schema}.integration_credential WHERE organization_id = $1 AND provider = $2;`),
		organizationID, provider).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return key, err
}

// Credentials lists the credentials of an organization
func (s *Service) Credentials(ctx context.Context, organizationID uuid.UUID) ([]CredentialInfo, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT provider, api_key, updated_at FROM {schema}.integration_credential
WHERE organization_id = $1 ORDER BY provider;`), organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	infos := []CredentialInfo{}
	for rows.Next() {
		var info CredentialInfo
		var key string
		if err := rows.Scan(&info.Provider, &key, &info.UpdatedAt); err != nil {
			return nil, err
		}
		info.KeyHint = hint(key)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// hint returns the last four characters of a key
func hint(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
