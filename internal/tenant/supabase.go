package tenant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/supabase-community/supabase-go"
)

const companiesTable = "companies"

// SupabaseProvider reads company configurations from the companies table.
// Each row holds the company id and its configuration as a JSON document.
type SupabaseProvider struct {
	client *supabase.Client
}

type companyRow struct {
	CompanyID string          `json:"company_id"`
	Config    json.RawMessage `json:"config"`
}

// NewSupabaseProvider creates a provider backed by Supabase.
func NewSupabaseProvider(url, apiKey string) (*SupabaseProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(url, apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseProvider{client: client}, nil
}

// GetConfig fetches the configuration of companyID.
func (p *SupabaseProvider) GetConfig(_ context.Context, companyID string) (*domain.CompanyConfig, error) {
	var rows []companyRow
	_, err := p.client.From(companiesTable).
		Select("company_id,config", "", false).
		Eq("company_id", companyID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get company config: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeCompanyRow(rows[0])
}

func decodeCompanyRow(row companyRow) (*domain.CompanyConfig, error) {
	cfg := domain.DefaultCompanyConfig(row.CompanyID)
	if len(row.Config) > 0 && string(row.Config) != "null" {
		if err := json.Unmarshal(row.Config, cfg); err != nil {
			return nil, fmt.Errorf("decode company config %q: %w", row.CompanyID, err)
		}
	}
	cfg.CompanyID = row.CompanyID
	return cfg, nil
}
