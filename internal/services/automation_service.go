package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrAutomationNotFound is returned for lookups and mutations on unknown IDs.
var ErrAutomationNotFound = errors.New("automation not found")

// AutomationService owns persistence for automation definitions, the
// processed-item ledger, run history and board tasks.
type AutomationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{db: db, logger: logger}
}

// AutomationRequest carries the typed definition; JSON columns are encoded here.
type AutomationRequest struct {
	Name            string                `json:"name" binding:"required"`
	Description     string                `json:"description"`
	Enabled         *bool                 `json:"enabled"`
	IntervalMinutes int                   `json:"interval_minutes"`
	CronExpr        string                `json:"cron_expr"`
	Source          models.SourceConfig   `json:"source"`
	Trigger         models.TriggerConfig  `json:"trigger"`
	Agent           models.AgentSpec      `json:"agent"`
	Outputs         []models.OutputConfig `json:"outputs"`
}

// AutomationUpdateRequest is a partial update; nil fields are left untouched.
type AutomationUpdateRequest struct {
	Name            *string                `json:"name"`
	Description     *string                `json:"description"`
	Enabled         *bool                  `json:"enabled"`
	IntervalMinutes *int                   `json:"interval_minutes"`
	CronExpr        *string                `json:"cron_expr"`
	Source          *models.SourceConfig   `json:"source"`
	Trigger         *models.TriggerConfig  `json:"trigger"`
	Agent           *models.AgentSpec      `json:"agent"`
	Outputs         *[]models.OutputConfig `json:"outputs"`
}

func (s *AutomationService) List(ctx context.Context) ([]models.Automation, error) {
	var automations []models.Automation
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&automations).Error; err != nil {
		return nil, err
	}
	return automations, nil
}

func (s *AutomationService) Get(ctx context.Context, id string) (*models.Automation, error) {
	var automation models.Automation
	err := s.db.WithContext(ctx).First(&automation, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAutomationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &automation, nil
}

func (s *AutomationService) Create(ctx context.Context, req *AutomationRequest) (*models.Automation, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if req.Name == "" {
		return nil, configErrorf("automation name is required")
	}
	if req.Source.Type == "" {
		return nil, configErrorf("automation source type is required")
	}
	if req.IntervalMinutes <= 0 && req.CronExpr == "" {
		return nil, configErrorf("automation needs interval_minutes or cron_expr")
	}

	source, err := json.Marshal(req.Source)
	if err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}
	trigger, err := json.Marshal(req.Trigger)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger: %w", err)
	}
	agent, err := json.Marshal(req.Agent)
	if err != nil {
		return nil, fmt.Errorf("invalid agent: %w", err)
	}
	outputs, err := json.Marshal(req.Outputs)
	if err != nil {
		return nil, fmt.Errorf("invalid outputs: %w", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now()
	automation := &models.Automation{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Description:     req.Description,
		Enabled:         enabled,
		IntervalMinutes: req.IntervalMinutes,
		CronExpr:        req.CronExpr,
		Source:          string(source),
		Trigger:         string(trigger),
		Agent:           string(agent),
		Outputs:         string(outputs),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.db.WithContext(ctx).Create(automation).Error; err != nil {
		return nil, err
	}
	return automation, nil
}

func (s *AutomationService) Update(ctx context.Context, id string, req *AutomationUpdateRequest) (*models.Automation, error) {
	automation, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if req.IntervalMinutes != nil {
		updates["interval_minutes"] = *req.IntervalMinutes
	}
	if req.CronExpr != nil {
		updates["cron_expr"] = *req.CronExpr
	}
	if req.Source != nil {
		encoded, err := json.Marshal(req.Source)
		if err != nil {
			return nil, fmt.Errorf("invalid source: %w", err)
		}
		updates["source"] = string(encoded)
	}
	if req.Trigger != nil {
		encoded, err := json.Marshal(req.Trigger)
		if err != nil {
			return nil, fmt.Errorf("invalid trigger: %w", err)
		}
		updates["trigger"] = string(encoded)
	}
	if req.Agent != nil {
		encoded, err := json.Marshal(req.Agent)
		if err != nil {
			return nil, fmt.Errorf("invalid agent: %w", err)
		}
		updates["agent"] = string(encoded)
	}
	if req.Outputs != nil {
		encoded, err := json.Marshal(req.Outputs)
		if err != nil {
			return nil, fmt.Errorf("invalid outputs: %w", err)
		}
		updates["outputs"] = string(encoded)
	}

	if err := s.db.WithContext(ctx).Model(automation).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// SetEnabled pauses or resumes an automation; the definition is retained.
func (s *AutomationService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

func (s *AutomationService) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.Automation{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

// TouchLastRun unconditionally advances the last-run time, guaranteeing
// forward progress even after a failed cycle.
func (s *AutomationService) TouchLastRun(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", id).
		Update("last_run_at", at).Error
}

// MarkProcessed upserts the ledger entry for an item: at most one record per
// item ID, updated in place on reprocessing.
func (s *AutomationService) MarkProcessed(ctx context.Context, automationID string, item models.Item) error {
	record := models.ProcessedItem{
		ID:              item.ID,
		AutomationID:    automationID,
		SourceType:      item.SourceType,
		ItemType:        item.Type,
		ExternalID:      item.ExternalID,
		LastProcessedAt: time.Now(),
		LastHash:        item.Hash,
	}

	var existing models.ProcessedItem
	err := s.db.WithContext(ctx).First(&existing, "id = ?", item.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&record).Error
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"automation_id":     automationID,
		"last_processed_at": record.LastProcessedAt,
		"last_hash":         record.LastHash,
	}).Error
}

func (s *AutomationService) GetProcessedItem(ctx context.Context, itemID string) (*models.ProcessedItem, error) {
	var record models.ProcessedItem
	err := s.db.WithContext(ctx).First(&record, "id = ?", itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CreateRun opens a run record in the running state.
func (s *AutomationService) CreateRun(ctx context.Context, automationID string) (*models.AutomationRun, error) {
	run := &models.AutomationRun{
		ID:           uuid.NewString(),
		AutomationID: automationID,
		Status:       models.RunStatusRunning,
		StartedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// FinalizeRun sets the terminal fields exactly once.
func (s *AutomationService) FinalizeRun(ctx context.Context, run *models.AutomationRun, status string, itemsFound, itemsProcessed int, runErr, output string) error {
	now := time.Now()
	run.Status = status
	run.ItemsFound = itemsFound
	run.ItemsProcessed = itemsProcessed
	run.Error = runErr
	run.Output = output
	run.CompletedAt = &now
	return s.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":          status,
			"items_found":     itemsFound,
			"items_processed": itemsProcessed,
			"error":           runErr,
			"output":          output,
			"completed_at":    now,
		}).Error
}

// ListRuns returns run history for one automation, newest first.
func (s *AutomationService) ListRuns(ctx context.Context, automationID string, limit int) ([]models.AutomationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.AutomationRun
	err := s.db.WithContext(ctx).
		Where("automation_id = ?", automationID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// CreateBoardTask creates a backlog entry for an issue-tracker item unless
// one with the same label already exists.
func (s *AutomationService) CreateBoardTask(ctx context.Context, title, description, label string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.BoardTask{}).
		Where("label = ?", label).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	task := &models.BoardTask{
		Title:       title,
		Description: description,
		Status:      "backlog",
		Label:       label,
		CreatedAt:   time.Now(),
	}
	return s.db.WithContext(ctx).Create(task).Error
}
