package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"routing-hub/internal/common/logging"
)

// breakerRefreshSpec moves open routes whose cooldown elapsed to half-open
// even when no traffic arrives to trigger the check.
const breakerRefreshSpec = "@every 10s"

const retrainTimeout = 5 * time.Minute

func (app *App) startJobs() error {
	c := cron.New()

	if _, err := c.AddFunc(app.Config.RetrainSchedule, app.retrain); err != nil {
		return fmt.Errorf("invalid RETRAIN_SCHEDULE %q: %w", app.Config.RetrainSchedule, err)
	}
	if _, err := c.AddFunc(breakerRefreshSpec, app.Hub.RefreshBreakers); err != nil {
		return err
	}

	c.Start()
	app.cron = c
	app.Logger.Info("Background jobs scheduled", logging.String("retrain_schedule", app.Config.RetrainSchedule))
	return nil
}

func (app *App) retrain() {
	ctx, cancel := context.WithTimeout(context.Background(), retrainTimeout)
	defer cancel()

	insights, err := app.Hub.UpdateKnowledgeBase(ctx)
	if err != nil {
		app.Logger.Error("Scheduled retrain failed", err)
		return
	}
	app.Logger.Info("Scheduled retrain completed",
		logging.Int("samples", insights.TotalSamples),
		logging.Int("routes", len(insights.Routes)),
	)
}
