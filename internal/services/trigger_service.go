package services

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"agentflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TriggerService decides which polled items are actionable for an automation.
type TriggerService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTriggerService(db *gorm.DB, logger *logrus.Logger) *TriggerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerService{db: db, logger: logger}
}

// Filter returns the items the automation should act on. Ledger exclusions
// run first, then the configured field filters (AND), then event-type
// matching. Invalid filter config surfaces as a ConfigurationError.
func (s *TriggerService) Filter(ctx context.Context, automation *models.Automation, items []models.Item) ([]models.Item, error) {
	trigger, err := automation.TriggerConfig()
	if err != nil {
		return nil, configErrorf("automation %s: %v", automation.ID, err)
	}

	matchers, err := compileFilters(trigger.Filters)
	if err != nil {
		return nil, err
	}

	var actionable []models.Item
	for _, item := range items {
		record, err := s.lookupRecord(ctx, item.ID)
		if err != nil {
			return nil, err
		}

		if record != nil {
			if !trigger.OnUpdatedItem {
				// new-item-only mode: a record means already handled,
				// whatever the hash says
				continue
			}
			if record.LastHash == item.Hash {
				continue
			}
		}

		if !matchesFilters(item, matchers) {
			continue
		}
		if !matchesEventTypes(item, trigger.EventTypes) {
			continue
		}
		actionable = append(actionable, item)
	}

	s.logger.Debugf("trigger: automation %s: %d of %d items actionable", automation.ID, len(actionable), len(items))
	return actionable, nil
}

func (s *TriggerService) lookupRecord(ctx context.Context, itemID string) (*models.ProcessedItem, error) {
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

type filterMatcher struct {
	rule models.FilterRule
	re   *regexp.Regexp
}

func compileFilters(rules []models.FilterRule) ([]filterMatcher, error) {
	matchers := make([]filterMatcher, 0, len(rules))
	for _, rule := range rules {
		m := filterMatcher{rule: rule}
		if rule.Operator == "regex" {
			re, err := regexp.Compile(rule.Value)
			if err != nil {
				return nil, configErrorf("invalid regex filter on %q: %v", rule.Field, err)
			}
			m.re = re
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// matchesFilters applies every rule; all must pass.
func matchesFilters(item models.Item, matchers []filterMatcher) bool {
	for _, m := range matchers {
		value := item.Raw[m.rule.Field]
		switch m.rule.Operator {
		case "equals":
			if value != m.rule.Value {
				return false
			}
		case "contains":
			if !strings.Contains(value, m.rule.Value) {
				return false
			}
		case "not_contains":
			if strings.Contains(value, m.rule.Value) {
				return false
			}
		case "starts_with":
			if !strings.HasPrefix(value, m.rule.Value) {
				return false
			}
		case "ends_with":
			if !strings.HasSuffix(value, m.rule.Value) {
				return false
			}
		case "regex":
			if !m.re.MatchString(value) {
				return false
			}
		default:
			// unknown operator never matches
			return false
		}
	}
	return true
}

// matchesEventTypes requires the item's type, or its synthesized
// "<type>.opened" event name, to match a configured entry. The ".opened"
// suffix is synthesized for every change, updates included; see DESIGN.md.
// An empty list matches everything.
func matchesEventTypes(item models.Item, eventTypes []string) bool {
	if len(eventTypes) == 0 {
		return true
	}
	synthesized := item.Type + ".opened"
	for _, et := range eventTypes {
		if et == item.Type || et == synthesized {
			return true
		}
	}
	return false
}
