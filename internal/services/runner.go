package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentflow/internal/models"

	"github.com/sirupsen/logrus"
)

// Runner executes one automation cycle: poll, filter, act, dispatch, record.
// Items are processed strictly sequentially; at most one agent job runs per
// automation run.
type Runner struct {
	store      *AutomationService
	pollers    *PollerRegistry
	triggers   *TriggerService
	supervisor *AgentSupervisor
	dispatcher *Dispatcher
	hub        *EventHub
	logger     *logrus.Logger
}

func NewRunner(store *AutomationService, pollers *PollerRegistry, triggers *TriggerService,
	supervisor *AgentSupervisor, dispatcher *Dispatcher, hub *EventHub, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		store:      store,
		pollers:    pollers,
		triggers:   triggers,
		supervisor: supervisor,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger,
	}
}

// RunAutomation drives one full cycle and returns the finalized run record.
// The automation's last-run time advances whatever happens, so a failing
// automation skips the broken cycle instead of retrying it hot.
func (r *Runner) RunAutomation(ctx context.Context, automation *models.Automation) *models.AutomationRun {
	started := time.Now()
	run, err := r.store.CreateRun(ctx, automation.ID)
	if err != nil {
		r.logger.Errorf("run: automation %s: create run record: %v", automation.ID, err)
		return nil
	}
	r.broadcast(EventRunStarted, automation.ID, run.ID, nil)

	defer func() {
		if err := r.store.TouchLastRun(ctx, automation.ID, started); err != nil {
			r.logger.Warnf("run %s: advance last-run time: %v", run.ID, err)
		}
	}()

	items, err := r.pollers.Poll(ctx, automation)
	if err != nil {
		r.finalize(ctx, run, models.RunStatusError, 0, 0, err.Error(), "")
		return run
	}

	actionable, err := r.triggers.Filter(ctx, automation, items)
	if err != nil {
		r.finalize(ctx, run, models.RunStatusError, len(items), 0, err.Error(), "")
		return run
	}

	agentSpec, err := automation.AgentSpec()
	if err != nil {
		r.finalize(ctx, run, models.RunStatusError, len(items), 0, err.Error(), "")
		return run
	}
	outputs, err := automation.OutputConfigs()
	if err != nil {
		r.finalize(ctx, run, models.RunStatusError, len(items), 0, err.Error(), "")
		return run
	}

	processed := 0
	var summaries []string
	for _, item := range actionable {
		summary, marked, itemErr := r.processItem(ctx, automation, agentSpec, outputs, item)
		if summary != "" {
			summaries = append(summaries, summary)
		}
		if marked {
			processed++
		}
		if itemErr != nil {
			// the failing item keeps its ledger state; remaining items wait
			// for the next scheduled poll
			r.finalize(ctx, run, models.RunStatusError, len(items), processed, itemErr.Error(), strings.Join(summaries, "\n"))
			return run
		}
		r.broadcast(EventItemProcessed, automation.ID, run.ID, map[string]string{"item_id": item.ID})
	}

	r.finalize(ctx, run, models.RunStatusCompleted, len(items), processed, "", strings.Join(summaries, "\n"))
	return run
}

// processItem handles one actionable item: agent job, outputs, board task,
// ledger entry. Agent failures mark the item processed anyway, an explicit
// at-most-one-effective-attempt policy against permanently broken items.
func (r *Runner) processItem(ctx context.Context, automation *models.Automation, agentSpec models.AgentSpec,
	outputs []models.OutputConfig, item models.Item) (summary string, marked bool, err error) {

	fallback := fmt.Sprintf("[%s] %s %s: %s\n%s", automation.Name, item.SourceType, item.Type, item.Title, item.URL)

	var agentErr error
	if agentSpec.Enabled {
		output, err := r.supervisor.Execute(ctx, automation, agentSpec, item, outputs)
		if err != nil {
			agentErr = err
			summary = fmt.Sprintf("Agent error for %s: %v", item.ID, err)
			r.logger.Warnf("run: %s", summary)
			r.dispatcher.NotifyFailure(ctx, outputs,
				fmt.Sprintf("[%s] agent failed on %s: %v", automation.Name, item.Title, err), item.Raw)
		} else {
			summary = output
			r.dispatcher.Dispatch(ctx, outputs, fallback, item.Raw, true)
		}
	} else {
		summary = fallback
		r.dispatcher.Dispatch(ctx, outputs, fallback, item.Raw, false)
	}

	if item.SourceType == models.SourceJira && agentErr == nil {
		label := fmt.Sprintf("jira:%s", item.ExternalID)
		if err := r.store.CreateBoardTask(ctx, item.Title, item.Body, label); err != nil {
			r.logger.Warnf("run: board task for %s: %v", item.ID, err)
		}
	}

	if err := r.store.MarkProcessed(ctx, automation.ID, item); err != nil {
		return summary, false, fmt.Errorf("mark %s processed: %w", item.ID, err)
	}
	return summary, true, agentErr
}

func (r *Runner) finalize(ctx context.Context, run *models.AutomationRun, status string, found, processed int, runErr, output string) {
	if err := r.store.FinalizeRun(ctx, run, status, found, processed, runErr, output); err != nil {
		r.logger.Errorf("run %s: finalize: %v", run.ID, err)
	}
	event := EventRunCompleted
	if status == models.RunStatusError {
		event = EventRunError
	}
	r.broadcast(event, run.AutomationID, run.ID, map[string]interface{}{
		"status":          status,
		"items_found":     found,
		"items_processed": processed,
	})
}

func (r *Runner) broadcast(eventType, automationID, runID string, data interface{}) {
	if r.hub == nil {
		return
	}
	r.hub.Broadcast(eventType, automationID, runID, data)
}
