package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/nexusmcp/orchestrator/internal/config"
	"github.com/nexusmcp/orchestrator/internal/cron"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

// CronJobID returns the deterministic scheduler job id for an automation's
// cron trigger, per spec §4.9: "automation_<aid>_trigger_<tid>".
func CronJobID(automationID, triggerID string) string {
	return fmt.Sprintf("automation_%s_trigger_%s", automationID, triggerID)
}

// AutomationRunner invokes an automation by id on behalf of a fired
// trigger. It is the callback the cron scheduler's custom handler calls.
type AutomationRunner func(ctx context.Context, automationID, triggerID string) error

// customHandlerName is the name the automation trigger handler registers
// under in the cron scheduler's custom-handler table.
const customHandlerName = "automation"

// RegisterCustomHandler installs the "automation" custom cron handler on
// the scheduler, dispatching fired jobs to run.
func RegisterCustomHandler(scheduler *cron.Scheduler, run AutomationRunner) {
	scheduler.RegisterCustomHandler(customHandlerName, cron.CustomHandlerFunc(func(ctx context.Context, job *cron.Job, args map[string]any) error {
		automationID, _ := args["automation_id"].(string)
		triggerID, _ := args["trigger_id"].(string)
		return run(ctx, automationID, triggerID)
	}))
}

// RegisterCronTrigger registers a single cron-triggered Automation with the
// scheduler using the fixed job-id convention. On an invalid cron
// expression it marks the trigger unhealthy and returns nil rather than an
// error, per spec: "invalid expressions mark the trigger as unhealthy and
// skip" — registration failure is not fatal to startup.
func RegisterCronTrigger(scheduler *cron.Scheduler, automationID string, trigger *models.Trigger) error {
	if trigger.Type != models.TriggerCron {
		return nil
	}
	_, err := scheduler.RegisterJob(config.CronJobConfig{
		ID:      CronJobID(automationID, trigger.ID),
		Name:    CronJobID(automationID, trigger.ID),
		Type:    string(cron.JobTypeCustom),
		Enabled: true,
		Schedule: config.CronScheduleConfig{
			Cron: trigger.CronExpr,
		},
		Custom: &config.CronCustomConfig{
			Handler: customHandlerName,
			Args: map[string]any{
				"automation_id": automationID,
				"trigger_id":    trigger.ID,
			},
		},
	})
	if err != nil {
		trigger.Healthy = false
		trigger.UnhealthyReason = err.Error()
		return nil
	}
	trigger.Healthy = true
	trigger.UnhealthyReason = ""
	return nil
}

// NewWebhookSecret mints a random webhook secret and its salted hash for
// storage. The plaintext is returned once to hand to the caller; only the
// salt+hash are meant to be persisted on the Trigger.
func NewWebhookSecret() (secret string, salt, hash []byte, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", nil, nil, fmt.Errorf("workflow: generate webhook secret: %w", err)
	}
	secret = fmt.Sprintf("%x", raw)
	salt = make([]byte, 16)
	if _, err = rand.Read(salt); err != nil {
		return "", nil, nil, fmt.Errorf("workflow: generate webhook salt: %w", err)
	}
	hash = hashWebhookSecret(secret, salt)
	return secret, salt, hash, nil
}

func hashWebhookSecret(secret string, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return h.Sum(nil)
}

// VerifyWebhookSecret reports whether candidate matches the trigger's
// salted hash, using a constant-time comparison per spec's "verified with
// constant-time compare."
func VerifyWebhookSecret(trigger *models.Trigger, candidate string) bool {
	if trigger == nil || len(trigger.WebhookSecretHash) == 0 {
		return false
	}
	got := hashWebhookSecret(candidate, trigger.WebhookSecretSalt)
	return hmac.Equal(got, trigger.WebhookSecretHash)
}
