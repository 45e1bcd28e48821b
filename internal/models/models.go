package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source types understood by the poller registry.
const (
	SourceGitHub = "github"
	SourceJira   = "jira"
)

// Run statuses. Transitions are running -> completed | error, set once.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusError     = "error"
)

// Output channel types understood by the dispatcher registry.
const (
	OutputSlack          = "slack"
	OutputTelegram       = "telegram"
	OutputGitHubComment  = "github_comment"
	OutputJiraComment    = "jira_comment"
	OutputJiraTransition = "jira_transition"
	OutputWebhook        = "webhook"
)

// Automation is a stored rule binding a poll source, trigger policy, optional
// agent action and output channels. Source/Trigger/Agent/Outputs are JSON
// text columns decoded on demand.
type Automation struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	Description     string     `json:"description"`
	Enabled         bool       `gorm:"default:true" json:"enabled"`
	IntervalMinutes int        `json:"interval_minutes"`
	CronExpr        string     `json:"cron_expr"`
	Source          string     `gorm:"type:text" json:"source"`  // JSON: SourceConfig
	Trigger         string     `gorm:"type:text" json:"trigger"` // JSON: TriggerConfig
	Agent           string     `gorm:"type:text" json:"agent"`   // JSON: AgentSpec
	Outputs         string     `gorm:"type:text" json:"outputs"` // JSON: []OutputConfig
	LastRunAt       *time.Time `json:"last_run_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SourceConfig is the type-specific poll configuration.
type SourceConfig struct {
	Type        string   `json:"type"`
	Repos       []string `json:"repos,omitempty"`        // github: owner/name
	PollFor     []string `json:"poll_for,omitempty"`     // github: pull_requests, issues, releases
	ProjectKeys []string `json:"project_keys,omitempty"` // jira
	RawJQL      string   `json:"raw_jql,omitempty"`      // jira: overrides project keys
	MaxResults  int      `json:"max_results,omitempty"`
	BaseURL     string   `json:"base_url,omitempty"` // jira: per-automation override
	Email       string   `json:"email,omitempty"`
	APIToken    string   `json:"api_token,omitempty"`
}

// FilterRule is one field/operator/value condition; all rules must pass.
type FilterRule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // equals, contains, not_contains, starts_with, ends_with, regex
	Value    string `json:"value"`
}

// TriggerConfig selects which polled items are actionable.
type TriggerConfig struct {
	EventTypes    []string     `json:"event_types,omitempty"`
	OnNewItem     bool         `json:"on_new_item"`
	OnUpdatedItem bool         `json:"on_updated_item"`
	Filters       []FilterRule `json:"filters,omitempty"`
}

// AgentSpec configures the per-item coding-agent job.
type AgentSpec struct {
	Enabled        bool   `json:"enabled"`
	PromptTemplate string `json:"prompt_template"`
	ProjectPath    string `json:"project_path"`
	Model          string `json:"model,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`
}

// OutputConfig configures one output channel.
type OutputConfig struct {
	Type       string `json:"type"`
	Enabled    bool   `json:"enabled"`
	Template   string `json:"template,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Target     string `json:"target,omitempty"` // jira_transition: target status name
}

func (a *Automation) SourceConfig() (SourceConfig, error) {
	var sc SourceConfig
	if a.Source == "" {
		return sc, fmt.Errorf("automation %s has no source config", a.ID)
	}
	if err := json.Unmarshal([]byte(a.Source), &sc); err != nil {
		return sc, fmt.Errorf("invalid source config: %w", err)
	}
	return sc, nil
}

func (a *Automation) TriggerConfig() (TriggerConfig, error) {
	var tc TriggerConfig
	if a.Trigger == "" {
		// No trigger section means act on new items only.
		return TriggerConfig{OnNewItem: true}, nil
	}
	if err := json.Unmarshal([]byte(a.Trigger), &tc); err != nil {
		return tc, fmt.Errorf("invalid trigger config: %w", err)
	}
	return tc, nil
}

func (a *Automation) AgentSpec() (AgentSpec, error) {
	var as AgentSpec
	if a.Agent == "" {
		return as, nil
	}
	if err := json.Unmarshal([]byte(a.Agent), &as); err != nil {
		return as, fmt.Errorf("invalid agent config: %w", err)
	}
	return as, nil
}

func (a *Automation) OutputConfigs() ([]OutputConfig, error) {
	if a.Outputs == "" {
		return nil, nil
	}
	var outs []OutputConfig
	if err := json.Unmarshal([]byte(a.Outputs), &outs); err != nil {
		return nil, fmt.Errorf("invalid outputs config: %w", err)
	}
	return outs, nil
}

// ProcessedItem is the durable dedup ledger. At most one row per item ID,
// updated in place on reprocessing.
type ProcessedItem struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	AutomationID    string    `gorm:"index" json:"automation_id"`
	SourceType      string    `json:"source_type"`
	ItemType        string    `json:"item_type"`
	ExternalID      string    `json:"external_id"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	LastHash        string    `json:"last_hash"`
	Metadata        string    `gorm:"type:text" json:"metadata,omitempty"`
}

// AutomationRun is one poll->trigger->act->dispatch cycle, append-only.
type AutomationRun struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	AutomationID   string     `gorm:"index" json:"automation_id"`
	Status         string     `gorm:"index" json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ItemsFound     int        `json:"items_found"`
	ItemsProcessed int        `json:"items_processed"`
	Error          string     `gorm:"type:text" json:"error,omitempty"`
	Output         string     `gorm:"type:text" json:"output,omitempty"`
}

// BoardTask is the task-board backlog entry created for issue-tracker items.
// Label carries the source issue key and dedups creation.
type BoardTask struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Title       string    `gorm:"not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Status      string    `gorm:"default:'backlog'" json:"status"`
	Label       string    `gorm:"uniqueIndex" json:"label"`
	CreatedAt   time.Time `json:"created_at"`
}
