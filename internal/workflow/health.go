package workflow

import (
	"context"

	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

// healthWindow is how many recent executions the failure-rate health check
// considers.
const healthWindow = 10

// Health computes an Automation's health per spec §4.9: `error` if it has
// no steps, every step is disabled, a cron trigger is unhealthy, or its
// failure rate over the last 10
// executions is at least 80%; `warning` between 50% and 80%; `healthy`
// otherwise.
func Health(ctx context.Context, executions storage.ExecutionStore, automation *models.Automation) (models.AutomationHealth, string) {
	if len(automation.Steps) == 0 {
		return models.HealthError, "automation has no steps"
	}
	anyEnabled := false
	for _, s := range automation.Steps {
		if s.Enabled {
			anyEnabled = true
			break
		}
	}
	if !anyEnabled {
		return models.HealthError, "all steps are disabled"
	}
	for _, t := range automation.Triggers {
		if t.Type == models.TriggerCron && !t.Healthy {
			return models.HealthError, "cron trigger " + t.ID + " is unhealthy: " + t.UnhealthyReason
		}
	}

	if executions == nil {
		return models.HealthHealthy, ""
	}
	recent, err := executions.ListForAutomation(ctx, automation.ID, healthWindow)
	if err != nil || len(recent) == 0 {
		return models.HealthHealthy, ""
	}

	failures := 0
	for _, e := range recent {
		if e.Status == models.ExecutionFailed {
			failures++
		}
	}
	rate := float64(failures) / float64(len(recent))
	switch {
	case rate >= 0.8:
		return models.HealthError, "failure rate over last executions is at or above 80%"
	case rate >= 0.5:
		return models.HealthWarning, "failure rate over last executions is at or above 50%"
	default:
		return models.HealthHealthy, ""
	}
}

// EnrichAndMaybeDisable computes Health and, per spec, disables an
// automation whose computed health is `error`.
func EnrichAndMaybeDisable(ctx context.Context, automations storage.AutomationStore, executions storage.ExecutionStore, automation *models.Automation) (models.AutomationHealth, error) {
	health, _ := Health(ctx, executions, automation)
	if health == models.HealthError && automation.Enabled {
		automation.Enabled = false
		if automations != nil {
			if err := automations.Update(ctx, automation); err != nil {
				return health, err
			}
		}
	}
	return health, nil
}
