// Package tenant loads per-company configuration.
package tenant

import (
	"context"
	"log/slog"

	"github.com/ashureev/triagedesk/internal/domain"
)

// Provider returns the configuration of a company, or nil when the company
// has no stored configuration.
type Provider interface {
	GetConfig(ctx context.Context, companyID string) (*domain.CompanyConfig, error)
}

// Static serves the built-in defaults for every company.
type Static struct{}

// GetConfig returns nil so callers use the defaults.
func (Static) GetConfig(context.Context, string) (*domain.CompanyConfig, error) {
	return nil, nil
}

// Resolve loads the configuration of companyID from p. Lookup failures and
// unknown companies fall back to the defaults; the result is never nil.
func Resolve(ctx context.Context, p Provider, companyID string, logger *slog.Logger) *domain.CompanyConfig {
	if logger == nil {
		logger = slog.Default()
	}

	var cfg *domain.CompanyConfig
	if p != nil {
		var err error
		cfg, err = p.GetConfig(ctx, companyID)
		if err != nil {
			logger.Warn("Company config lookup failed, using defaults", "company_id", companyID, "error", err)
			cfg = nil
		}
	}
	if cfg == nil {
		cfg = domain.DefaultCompanyConfig(companyID)
	}
	if cfg.CompanyID == "" {
		cfg.CompanyID = companyID
	}
	cfg.ApplyDefaults()
	return cfg
}
