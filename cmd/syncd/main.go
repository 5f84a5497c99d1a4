package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/example/calendar-sync/internal/application"
	"github.com/example/calendar-sync/internal/config"
	"github.com/example/calendar-sync/internal/logging"
	"github.com/example/calendar-sync/internal/persistence"
	"github.com/example/calendar-sync/internal/persistence/sqlite"
	"github.com/example/calendar-sync/internal/queue"
	"github.com/example/calendar-sync/internal/recurrence"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.ContextWithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	pool, err := sqlite.NewConnectionPool(cfg.SQLiteDSN)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	if err := pool.Migrate(context.Background()); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	idGenerator := func() string { return uuid.NewString() }
	now := time.Now

	events := sqlite.NewEventRepository(pool)
	occurrences := sqlite.NewOccurrenceRepository(pool)
	operations := sqlite.NewOperationRepository(pool)
	calendars := sqlite.NewCalendarRepository(pool)

	backoff := queue.BackoffConfig{
		Initial: cfg.BackoffInitial,
		Factor:  cfg.BackoffFactor,
		Max:     cfg.BackoffMax,
	}
	operationQueue := queue.NewQueue(operations, backoff, cfg.MaxRetries, idGenerator, now, logger)
	engine := recurrence.NewEngine(cfg.ExpansionHorizon)
	writer := application.NewWriter(pool, events, occurrences, calendars, operationQueue, engine, idGenerator, now, logger)

	daemon := &maintenanceDaemon{
		staleAfter: cfg.StaleAfter,
		queue:      operationQueue,
		writer:     writer,
		events:     events,
		calendars:  calendars,
		now:        now,
		logger:     logger,
	}

	logger.Info("sync daemon started",
		"dsn", cfg.SQLiteDSN,
		"sync_interval", cfg.SyncInterval.String(),
		"stale_after", cfg.StaleAfter.String(),
	)

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sync daemon stopping")
			return
		case <-ticker.C:
			daemon.runSweep(ctx)
		}
	}
}

// maintenanceDaemon performs the periodic housekeeping that keeps the local
// store healthy between sync passes: recovering operations stranded by a
// crashed pass, sliding the occurrence expansion window of recurring masters
// forward, and surfacing operations that exhausted their retries.
type maintenanceDaemon struct {
	staleAfter time.Duration
	queue      *queue.Queue
	writer     *application.Writer
	events     persistence.EventRepository
	calendars  persistence.CalendarRepository
	now        func() time.Time
	logger     *slog.Logger
}

func (d *maintenanceDaemon) runSweep(ctx context.Context) {
	if _, err := d.queue.ResetStaleInProgress(ctx, d.now().Add(-d.staleAfter)); err != nil {
		d.logger.Error("stale operation sweep failed", "error", err)
	}

	d.refreshOccurrences(ctx)

	failed, err := d.queue.Failed(ctx)
	if err != nil {
		d.logger.Error("failed to list failed operations", "error", err)
		return
	}
	for _, op := range failed {
		lastError := ""
		if op.LastError != nil {
			lastError = *op.LastError
		}
		d.logger.Warn("operation needs manual resolution",
			"operation_id", op.ID,
			"event_id", op.EventID,
			"kind", op.Operation,
			"retries", op.RetryCount,
			"last_error", lastError,
		)
	}
}

// refreshOccurrences re-expands every recurring master so unbounded rules
// keep producing occurrences as the horizon window advances.
func (d *maintenanceDaemon) refreshOccurrences(ctx context.Context) {
	calendars, err := d.calendars.ListCalendars(ctx)
	if err != nil {
		d.logger.Error("failed to list calendars", "error", err)
		return
	}
	for _, calendar := range calendars {
		events, err := d.events.ListEventsByCalendar(ctx, calendar.ID)
		if err != nil {
			d.logger.Error("failed to list events", "calendar_id", calendar.ID, "error", err)
			continue
		}
		for _, event := range events {
			if !event.IsRecurringMaster() {
				continue
			}
			if err := d.writer.RegenerateOccurrences(ctx, event.ID); err != nil {
				d.logger.Error("failed to refresh occurrences",
					"event_id", event.ID, "error", err)
			}
		}
	}
}
