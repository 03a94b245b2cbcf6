package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"boardsync/config"
	"boardsync/internal/adapters/board"
	"boardsync/internal/columns"
	"boardsync/internal/conflicts"
	"boardsync/internal/db"
	"boardsync/internal/notify"
	"boardsync/internal/queue"
	"boardsync/internal/scheduler"
	"boardsync/internal/services"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	queue     *queue.Queue
	conflicts *conflicts.Store
	mappings  *columns.Registry
	notifier  notify.Notifier

	outbound  *services.OutboundSyncWorker
	inbound   *services.InboundWebhookProcessor
	resolver  *services.ConflictResolutionService
	scheduler *scheduler.RetryScheduler

	closers []func() error
}

// openStore opens and migrates the database and builds the queue. It is all
// the queue inspection commands need.
func openStore(cfg *config.Config) (*app, error) {
	log.Info().Str("dialect", string(db.DialectFor(cfg.DatabaseURL))).Msg("Initializing database...")
	gdb, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: gdb}
	a.closers = append(a.closers, func() error { return db.Close(gdb) })

	if err := db.Migrate(gdb); err != nil {
		a.Close()
		return nil, err
	}

	a.queue = queue.New(gdb,
		queue.WithMaxAttempts(cfg.SyncMaxAttempts),
		queue.WithBackoff(cfg.SyncBackoff),
	)
	a.conflicts = conflicts.NewStore(gdb, nil)
	return a, nil
}

// newApp wires the full sync engine on top of openStore.
func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.RequireBoardAPI(); err != nil {
		return nil, err
	}
	mappings, err := config.LoadBoardMapping(cfg.BoardMappingFile)
	if err != nil {
		return nil, err
	}

	a, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.mappings = mappings

	client, err := board.NewClient(board.Config{
		URL:           cfg.BoardAPIURL,
		Token:         cfg.BoardAPIToken,
		APIVersion:    cfg.BoardAPIVersion,
		Timeout:       cfg.BoardAPITimeout,
		RatePerSecond: cfg.BoardAPIRatePerSecond,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize board client: %w", err)
	}

	a.notifier = notify.Noop{}
	if cfg.RabbitMQURL != "" {
		pub, err := notify.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQQueuePrefix)
		if err != nil {
			// Notifications are best effort; sync keeps working without them.
			log.Error().Err(err).Msg("RabbitMQ unavailable, operator notifications disabled")
		} else {
			a.notifier = pub
			a.closers = append(a.closers, pub.Close)
		}
	}

	deps := services.Deps{
		DB:          a.db,
		Queue:       a.queue,
		Conflicts:   a.conflicts,
		Board:       client,
		Mappings:    mappings,
		Notifier:    a.notifier,
		CallTimeout: cfg.BoardAPITimeout,
	}
	a.outbound = services.NewOutboundSyncWorker(deps)
	a.inbound = services.NewInboundWebhookProcessor(deps)
	a.resolver = services.NewConflictResolutionService(deps, a.outbound)
	a.scheduler = scheduler.New(a.queue, a.outbound, a.inbound, scheduler.Config{
		Interval:     cfg.SchedulerInterval,
		BatchSize:    cfg.SchedulerBatchSize,
		StaleAfter:   cfg.SchedulerStaleAfter,
		ItemTimeout:  a.operationTimeout(),
		ClaimTimeout: cfg.DBTimeout,
	})

	log.Info().Msg("Sync engine initialized")
	return a, nil
}

// operationTimeout bounds one unit of sync work: a board call plus the
// database writes around it.
func (a *app) operationTimeout() time.Duration {
	return a.cfg.BoardAPITimeout + a.cfg.DBTimeout
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Error during shutdown")
		}
	}
	a.closers = nil
}
