// Package main is the entry point for the risk-enforcement daemon: it
// wires the State Store, Lockout Manager, Rule Engine, Event Dispatcher,
// Enforcement Executor, Token Manager, Stream Consumer, Reset Scheduler,
// off-site backup, and the status/notification HTTP API, then blocks
// until an interrupt or terminate signal and shuts everything down within
// the configured grace window.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/riskpilot/guardian/internal/backup"
	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/database"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/dispatcher"
	"github.com/riskpilot/guardian/internal/enforcement"
	"github.com/riskpilot/guardian/internal/events"
	"github.com/riskpilot/guardian/internal/gateway"
	"github.com/riskpilot/guardian/internal/inbound"
	"github.com/riskpilot/guardian/internal/lockout"
	"github.com/riskpilot/guardian/internal/maintenance"
	"github.com/riskpilot/guardian/internal/quotecache"
	"github.com/riskpilot/guardian/internal/reconcile"
	"github.com/riskpilot/guardian/internal/resetsched"
	"github.com/riskpilot/guardian/internal/rules"
	"github.com/riskpilot/guardian/internal/server"
	"github.com/riskpilot/guardian/internal/statestore"
	"github.com/riskpilot/guardian/internal/timer"
	"github.com/riskpilot/guardian/internal/token"
	"github.com/robfig/cron/v3"

	"github.com/riskpilot/guardian/pkg/logger"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg, err := config.Load(
		getEnv("ACCOUNTS_FILE", "./config/accounts.yaml"),
		getEnv("RULES_FILE", "./config/rules.yaml"),
		getEnv("HOLIDAYS_FILE", "./config/holidays.yaml"),
	)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Int("accounts", len(cfg.Accounts)).Msg("starting risk-enforcement daemon")

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	snapshotRepo := repositories.NewSnapshotRepo(db.Conn())
	dailyPnLRepo := repositories.NewDailyPnLRepo(db.Conn())
	countRepo := repositories.NewTradeCountRepo(db.Conn())
	lockoutRepo := repositories.NewLockoutRepo(db.Conn())
	enforcementLogRepo := repositories.NewEnforcementLogRepo(db.Conn())

	quotes := quotecache.New()

	accountIDs := make([]int64, 0, len(cfg.Accounts))
	accountTimezones := make(map[int64]string, len(cfg.Accounts))
	var enabledAccounts []config.AccountConfig
	for _, a := range cfg.Accounts {
		if !a.Enabled {
			continue
		}
		accountIDs = append(accountIDs, a.AccountID)
		accountTimezones[a.AccountID] = a.Timezone
		enabledAccounts = append(enabledAccounts, a)
	}
	if len(enabledAccounts) == 0 {
		log.Fatal().Msg("no enabled accounts in configuration")
	}

	bus := events.NewBus(log)
	timers := timer.New(log)

	// The gateway issues one session per operator login; every account this
	// daemon monitors is a sub-account reachable under that one session, so
	// a single Token Manager and REST client are shared across accounts
	// rather than one per account (spec §5: "the token, a single shared
	// read-only reference with refresh"). The first enabled account's
	// credentials are the ones used to establish that session.
	loginAccount := enabledAccounts[0]
	authClient := gateway.NewAuthClient(cfg.APIBaseURL)
	tokenMgr := token.NewManager(authClient, loginAccount.Username, loginAccount.APIKey, log)

	restClient := gateway.NewRESTClient(cfg.APIBaseURL, tokenMgr, log)
	defer restClient.Close()

	contracts := contractcache.New(restClient)

	store := statestore.New(quotes, contracts, snapshotRepo, dailyPnLRepo, countRepo)
	if err := store.LoadFromPersistence(); err != nil {
		log.Fatal().Err(err).Msg("failed to load persisted state")
	}

	lockouts := lockout.NewManager(lockoutRepo, timers, log)
	if err := lockouts.LoadAll(); err != nil {
		log.Fatal().Err(err).Msg("failed to load persisted lockouts")
	}

	adapter := enforcement.NewAdapter(restClient, store)
	executor := enforcement.NewExecutor(adapter, tokenMgr, bus, enforcementLogRepo, cfg.EnforcementWorkers, log)

	reconciler := reconcile.New(restClient, store, lockouts, executor, contracts, db.Conn(), log)

	engine := rules.New()

	dispatch := dispatcher.New(store, lockouts, engine, executor, quotes, contracts, timers, db.Conn(), cfg, bus, log)

	sessionDate := func(accountID int64, at time.Time) string {
		loc, err := time.LoadLocation(accountTimezones[accountID])
		if err != nil {
			loc = time.UTC
		}
		return at.In(loc).Format("2006-01-02")
	}

	handler := inbound.New(dispatch, reconciler, accountIDs, contracts, sessionDate, bus, log)

	userHub := gateway.NewStreamConsumer(gateway.HubUserEvents, cfg.HubBaseURL, tokenMgr, handler, log)
	marketHub := gateway.NewStreamConsumer(gateway.HubMarketData, cfg.HubBaseURL, tokenMgr, handler, log)

	userHub.AddSubscription(gateway.Subscription{Method: "SubscribeAccounts"})
	for _, accountID := range accountIDs {
		userHub.AddSubscription(gateway.Subscription{Method: "SubscribeOrders", Arg: accountID})
		userHub.AddSubscription(gateway.Subscription{Method: "SubscribePositions", Arg: accountID})
		userHub.AddSubscription(gateway.Subscription{Method: "SubscribeTrades", Arg: accountID})
	}

	resetScheduler := resetsched.New(cfg.Holidays, log)
	for _, a := range enabledAccounts {
		rolloverCfg := resetsched.RolloverConfig{
			AccountID: a.AccountID,
			Hour:      a.RolloverHour,
			Minute:    a.RolloverMinute,
			Timezone:  a.Timezone,
		}
		err := resetScheduler.Register(rolloverCfg, func(accountID int64, rollover time.Time) {
			if err := lockouts.ClearRolloverEligible(accountID, rollover); err != nil {
				log.Error().Err(err).Int64("account_id", accountID).Msg("failed to clear rollover-eligible lockouts")
			}
			if err := db.WithTransaction(func(tx *sql.Tx) error {
				prior := sessionDate(accountID, rollover.Add(-time.Nanosecond))
				if err := store.ResetDailyPnL(tx, accountID, prior, sessionDate(accountID, rollover)); err != nil {
					return err
				}
				return store.ClearSessionCounts(tx, accountID)
			}); err != nil {
				log.Error().Err(err).Int64("account_id", accountID).Msg("failed to reset daily P&L and session trade counts")
			}
		})
		if err != nil {
			log.Fatal().Err(err).Int64("account_id", a.AccountID).Msg("failed to register rollover schedule")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tokenMgr.RunBackgroundRefresh(ctx)

	stopTimers := make(chan struct{})
	go timers.Run(stopTimers)

	go userHub.Run(ctx)
	go marketHub.Run(ctx)

	resetScheduler.Start()

	var backupCron *cron.Cron
	var backupSvc *backup.Service
	if cfg.BackupEnabled {
		var err error
		backupSvc, err = backup.New(ctx, cfg, db.Conn(), log)
		if err != nil {
			log.Error().Err(err).Msg("backup disabled: failed to initialize backup service")
			backupSvc = nil
		} else {
			backupCron = cron.New(cron.WithSeconds())
			_, err := backupCron.AddFunc(cfg.BackupCron, func() {
				runCtx, runCancel := context.WithTimeout(context.Background(), 10*time.Minute)
				defer runCancel()
				if err := backupSvc.Run(runCtx); err != nil {
					log.Error().Err(err).Msg("scheduled backup failed")
					return
				}
				if err := backupSvc.Rotate(runCtx, cfg.BackupRetain); err != nil {
					log.Error().Err(err).Msg("backup rotation failed")
				}
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to schedule backup cron, backups disabled")
				backupCron = nil
			} else {
				backupCron.Start()
				log.Info().Str("cron", cfg.BackupCron).Str("bucket", cfg.BackupBucket).Msg("off-site backup scheduled")
			}
		}
	}

	maintenanceSvc := maintenance.New(db.Conn(), filepath.Dir(cfg.DatabasePath), backupSvc, log)
	maintenanceCron := cron.New(cron.WithSeconds())
	if _, err := maintenanceCron.AddFunc("0 0 2 * * *", func() {
		runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer runCancel()
		if err := maintenanceSvc.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("daily maintenance failed")
		}
	}); err != nil {
		log.Error().Err(err).Msg("failed to schedule daily maintenance")
	} else {
		maintenanceCron.Start()
	}

	httpServer := server.New(server.Config{
		Log:     log,
		Port:    httpPort(),
		DevMode: cfg.LogPretty,
		Bus:     bus,
		Health: &server.HealthCollector{
			DB: db.Conn(),
			Streams: map[string]server.StreamStatus{
				string(gateway.HubUserEvents): userHub,
				string(gateway.HubMarketData): marketHub,
			},
			Tokens:     tokenMgr,
			Reconciler: reconciler,
		},
	})

	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status API server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()
	close(stopTimers)
	resetScheduler.Stop()
	if backupCron != nil {
		<-backupCron.Stop().Done()
	}
	<-maintenanceCron.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSeconds)*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status API forced to shut down")
	}

	if err := db.WALCheckpoint(); err != nil {
		log.Error().Err(err).Msg("final WAL checkpoint failed")
	}

	log.Info().Msg("daemon stopped")
}

func httpPort() int {
	v := getEnv("HTTP_PORT", "8080")
	var port int
	if _, err := fmt.Sscanf(v, "%d", &port); err != nil || port <= 0 {
		return 8080
	}
	return port
}
