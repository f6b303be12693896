package tenant

import (
	"context"
	"fmt"
	"os"

	"github.com/ashureev/triagedesk/internal/domain"
	"gopkg.in/yaml.v3"
)

// FileProvider serves company configurations read from a YAML file:
//
//	companies:
//	  - company_id: acme
//	    name: ACME
//	    teams: [...]
type FileProvider struct {
	companies map[string]*domain.CompanyConfig
}

type companiesFile struct {
	Companies []yaml.Node `yaml:"companies"`
}

// LoadFile reads and parses a tenants file.
func LoadFile(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses tenants YAML. Fields a company omits keep their defaults.
func ParseFile(data []byte) (*FileProvider, error) {
	var file companiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}

	companies := make(map[string]*domain.CompanyConfig, len(file.Companies))
	for i := range file.Companies {
		node := &file.Companies[i]

		var head struct {
			CompanyID string `yaml:"company_id"`
		}
		if err := node.Decode(&head); err != nil {
			return nil, fmt.Errorf("company %d: %w", i, err)
		}
		if head.CompanyID == "" {
			return nil, fmt.Errorf("company %d: company_id is required", i)
		}
		if _, dup := companies[head.CompanyID]; dup {
			return nil, fmt.Errorf("company %q defined twice", head.CompanyID)
		}

		cfg := domain.DefaultCompanyConfig(head.CompanyID)
		if err := node.Decode(cfg); err != nil {
			return nil, fmt.Errorf("company %q: %w", head.CompanyID, err)
		}
		companies[head.CompanyID] = cfg
	}
	return &FileProvider{companies: companies}, nil
}

// GetConfig returns a shallow copy of the parsed configuration.
func (p *FileProvider) GetConfig(_ context.Context, companyID string) (*domain.CompanyConfig, error) {
	cfg, ok := p.companies[companyID]
	if !ok {
		return nil, nil
	}
	clone := *cfg
	return &clone, nil
}

// Len returns the number of configured companies.
func (p *FileProvider) Len() int {
	return len(p.companies)
}
