package domain

// Team is a routing target configured by a tenant.
type Team struct {
	ID               string   `json:"team_id" yaml:"team_id"`
	Description      string   `json:"description" yaml:"description"`
	Responsibilities []string `json:"responsibilities" yaml:"responsibilities"`
	Instructions     string   `json:"instructions" yaml:"instructions"`
	IsSales          bool     `json:"is_sales" yaml:"is_sales"`
}

// Product is one entry of a tenant's product catalog.
type Product struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Price       string `json:"price,omitempty" yaml:"price,omitempty"`
}

// KnowledgeBaseConfig controls knowledge-base lookups for the resolver.
type KnowledgeBaseConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Collection string `json:"collection" yaml:"collection"`
}

// EscalationConfig holds the thresholds of the escalation rules.
type EscalationConfig struct {
	MaxInteractionsP1 int `json:"max_interactions_p1" yaml:"max_interactions_p1"`
	// Floors are pointers so an explicit 0 is kept; nil means the default.
	SentimentFloor          *float64 `json:"sentiment_floor,omitempty" yaml:"sentiment_floor,omitempty"`
	ConfidenceFloor         *float64 `json:"confidence_floor,omitempty" yaml:"confidence_floor,omitempty"`
	ResolverConfidenceFloor *float64 `json:"resolver_confidence_floor,omitempty" yaml:"resolver_confidence_floor,omitempty"`
	SLAHours                float64  `json:"sla_hours" yaml:"sla_hours"`
	WarningTemplate         string   `json:"warning_template" yaml:"warning_template"`
	HandoffTemplate         string   `json:"handoff_template" yaml:"handoff_template"`
}

const (
	defaultSentimentFloor          = -0.6
	defaultConfidenceFloor         = 0.5
	defaultResolverConfidenceFloor = 0.6
)

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// MinSentiment returns the sentiment floor below which tickets escalate.
func (e EscalationConfig) MinSentiment() float64 {
	return floatOr(e.SentimentFloor, defaultSentimentFloor)
}

// MinConfidence returns the triage confidence floor.
func (e EscalationConfig) MinConfidence() float64 {
	return floatOr(e.ConfidenceFloor, defaultConfidenceFloor)
}

// MinResolverConfidence returns the resolver confidence floor.
func (e EscalationConfig) MinResolverConfidence() float64 {
	return floatOr(e.ResolverConfidenceFloor, defaultResolverConfidenceFloor)
}

// LifecycleConfig holds follow-up and auto-close settings for escalated tickets.
type LifecycleConfig struct {
	Followup1Enabled  bool    `json:"followup_1_enabled" yaml:"followup_1_enabled"`
	Followup1Hours    float64 `json:"followup_1_hours" yaml:"followup_1_hours"`
	Followup1Template string  `json:"followup_1_template" yaml:"followup_1_template"`
	Followup2Enabled  bool    `json:"followup_2_enabled" yaml:"followup_2_enabled"`
	Followup2Hours    float64 `json:"followup_2_hours" yaml:"followup_2_hours"`
	Followup2Template string  `json:"followup_2_template" yaml:"followup_2_template"`
	AutoCloseEnabled  bool    `json:"auto_close_enabled" yaml:"auto_close_enabled"`
	AutoCloseHours    float64 `json:"auto_close_hours" yaml:"auto_close_hours"`
	AutoCloseTemplate string  `json:"auto_close_template" yaml:"auto_close_template"`
	ReopenOnReply     bool    `json:"reopen_on_reply" yaml:"reopen_on_reply"`
	ReopenWindowHours float64 `json:"reopen_window_hours" yaml:"reopen_window_hours"`
}

// CompanyConfig is the read-only tenant configuration consumed by the pipeline.
type CompanyConfig struct {
	CompanyID         string              `json:"company_id" yaml:"company_id"`
	Name              string              `json:"name" yaml:"name"`
	Teams             []Team              `json:"teams" yaml:"teams"`
	Products          []Product           `json:"products" yaml:"products"`
	Policies          []string            `json:"policies" yaml:"policies"`
	KnowledgeBase     KnowledgeBaseConfig `json:"knowledge_base" yaml:"knowledge_base"`
	Escalation        EscalationConfig    `json:"escalation" yaml:"escalation"`
	Lifecycle         LifecycleConfig     `json:"lifecycle_config" yaml:"lifecycle_config"`
	FallbackResponses map[string]string   `json:"fallback_responses" yaml:"fallback_responses"`
	EscalationEmail   string              `json:"escalation_email" yaml:"escalation_email"`
}

// TeamIDs returns the configured team identifiers.
func (c *CompanyConfig) TeamIDs() []string {
	ids := make([]string, 0, len(c.Teams))
	for _, t := range c.Teams {
		ids = append(ids, t.ID)
	}
	return ids
}

// Team returns the team with the given id, or nil.
func (c *CompanyConfig) Team(id string) *Team {
	for i := range c.Teams {
		if c.Teams[i].ID == id {
			return &c.Teams[i]
		}
	}
	return nil
}

// DefaultCompanyConfig returns the configuration used for tenants without
// a stored configuration.
func DefaultCompanyConfig(companyID string) *CompanyConfig {
	return &CompanyConfig{
		CompanyID: companyID,
		Teams: []Team{
			{ID: "billing", Description: "Cobranças, faturas, pagamentos e reembolsos"},
			{ID: "tech", Description: "Problemas técnicos, acesso, erros no aplicativo"},
			{ID: "general", Description: "Dúvidas gerais e demais assuntos"},
		},
		Escalation: DefaultEscalationConfig(),
		Lifecycle:  DefaultLifecycleConfig(),
	}
}

// DefaultEscalationConfig returns the built-in escalation thresholds.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		MaxInteractionsP1:       3,
		SentimentFloor:          Float(defaultSentimentFloor),
		ConfidenceFloor:         Float(defaultConfidenceFloor),
		ResolverConfidenceFloor: Float(defaultResolverConfidenceFloor),
		SLAHours:                24,
		WarningTemplate:         "Identificamos que seu atendimento precisa de atenção especial ({reasons}).",
		HandoffTemplate:         "Um atendente humano vai assumir sua conversa e responderá em breve.",
	}
}

// DefaultLifecycleConfig returns the built-in lifecycle settings.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		Followup1Enabled:  true,
		Followup1Hours:    24,
		Followup1Template: "Olá! Ainda estamos acompanhando seu atendimento. Precisa de mais alguma coisa?",
		Followup2Enabled:  true,
		Followup2Hours:    48,
		Followup2Template: "Olá! Seu atendimento continua aberto. Se não recebermos retorno, ele será encerrado em breve.",
		AutoCloseEnabled:  true,
		AutoCloseHours:    72,
		AutoCloseTemplate: "Encerramos seu atendimento por inatividade. Basta responder esta mensagem para retomá-lo.",
		ReopenOnReply:     true,
		ReopenWindowHours: 72,
	}
}

// ApplyDefaults fills zero-valued thresholds and templates with built-in defaults.
func (c *CompanyConfig) ApplyDefaults() {
	esc := DefaultEscalationConfig()
	if c.Escalation.MaxInteractionsP1 <= 0 {
		c.Escalation.MaxInteractionsP1 = esc.MaxInteractionsP1
	}
	if c.Escalation.SentimentFloor == nil {
		c.Escalation.SentimentFloor = esc.SentimentFloor
	}
	if c.Escalation.ConfidenceFloor == nil {
		c.Escalation.ConfidenceFloor = esc.ConfidenceFloor
	}
	if c.Escalation.ResolverConfidenceFloor == nil {
		c.Escalation.ResolverConfidenceFloor = esc.ResolverConfidenceFloor
	}
	if c.Escalation.SLAHours <= 0 {
		c.Escalation.SLAHours = esc.SLAHours
	}
	if c.Escalation.WarningTemplate == "" {
		c.Escalation.WarningTemplate = esc.WarningTemplate
	}
	if c.Escalation.HandoffTemplate == "" {
		c.Escalation.HandoffTemplate = esc.HandoffTemplate
	}

	lc := DefaultLifecycleConfig()
	if c.Lifecycle.Followup1Hours <= 0 {
		c.Lifecycle.Followup1Hours = lc.Followup1Hours
	}
	if c.Lifecycle.Followup2Hours <= 0 {
		c.Lifecycle.Followup2Hours = lc.Followup2Hours
	}
	if c.Lifecycle.AutoCloseHours <= 0 {
		c.Lifecycle.AutoCloseHours = lc.AutoCloseHours
	}
	if c.Lifecycle.ReopenWindowHours <= 0 {
		c.Lifecycle.ReopenWindowHours = lc.ReopenWindowHours
	}
	if c.Lifecycle.Followup1Template == "" {
		c.Lifecycle.Followup1Template = lc.Followup1Template
	}
	if c.Lifecycle.Followup2Template == "" {
		c.Lifecycle.Followup2Template = lc.Followup2Template
	}
	if c.Lifecycle.AutoCloseTemplate == "" {
		c.Lifecycle.AutoCloseTemplate = lc.AutoCloseTemplate
	}
	if len(c.Teams) == 0 {
		c.Teams = DefaultCompanyConfig(c.CompanyID).Teams
	}
}
