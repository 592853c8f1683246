// Package main is the entry point for the Orchestrator service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/adapter/rpc"
	"github.com/kandev/orchestrator/internal/adapter/terminal"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/database"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/eventstore"
	"github.com/kandev/orchestrator/internal/handoff"
	"github.com/kandev/orchestrator/internal/hooks"
	"github.com/kandev/orchestrator/internal/httpapi"
	"github.com/kandev/orchestrator/internal/ledger"
	"github.com/kandev/orchestrator/internal/mcpserver"
	"github.com/kandev/orchestrator/internal/notifications/providers"
	"github.com/kandev/orchestrator/internal/notifier"
	"github.com/kandev/orchestrator/internal/observability"
	"github.com/kandev/orchestrator/internal/recovery"
	"github.com/kandev/orchestrator/internal/registry"
	"github.com/kandev/orchestrator/internal/scheduler"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting orchestrator service")

	// 3. Create context with cancellation for background work
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Lifecycle event bus - NATS if configured, in-memory fallback otherwise
	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 5. Open the WAL-mode sqlite stores, each single-writer
	eventStore, err := eventstore.Open(cfg.Stores.EventStorePath, eventstore.Retention{
		MaxEventsPerSession: cfg.Retention.EventsMaxPerSession,
		MaxAgeDays:          cfg.Retention.EventsMaxAgeDays,
	}, log)
	if err != nil {
		log.Fatal("failed to open event store", zap.Error(err))
	}
	defer eventStore.Close()

	obsLogger, err := observability.Open(cfg.Stores.ObservabilityPath, observability.Retention{
		MaxAgeDays:          cfg.Retention.ObservabilityMaxAgeDays,
		MaxAgeDaysCodexFork: cfg.Retention.ObservabilityMaxAgeDaysCodexFork,
		MaxRowsPerSession:   cfg.Retention.ObservabilityMaxRows,
	}, log)
	if err != nil {
		log.Fatal("failed to open observability logger", zap.Error(err))
	}
	defer obsLogger.Close()
	obsLogger.StartPeriodicPrune(ctx, time.Duration(cfg.Scheduler.CompactionPollIntervalS)*time.Second*6)

	ledgerStore, err := ledger.Open(cfg.Stores.LedgerPath, log)
	if err != nil {
		log.Fatal("failed to open request ledger", zap.Error(err))
	}
	defer ledgerStore.Close()

	queue, err := delivery.OpenQueue(cfg.Stores.QueuePath)
	if err != nil {
		log.Fatal("failed to open delivery queue", zap.Error(err))
	}
	defer queue.Close()

	schedStore, err := scheduler.OpenStore(cfg.Stores.SchedulerPath)
	if err != nil {
		log.Fatal("failed to open scheduler store", zap.Error(err))
	}
	defer schedStore.Close()

	// 5b. Optional PostgreSQL pool, opened and pinged when
	// database.driver=postgres. The registry persists to its atomic JSON
	// state file in both modes; nothing reads or writes through this pool.
	// Dormant by default (database.driver=sqlite).
	if cfg.Database.Driver == "postgres" {
		pgDB, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pgDB.Close()
		log.Info("connected to postgres registry backend")
	}

	// 6. Session registry, backed by the atomic JSON state file. Loaded
	// below, once the terminal adapter exists to answer pty-liveness checks
	// for the persisted terminal-kind rows.
	reg := registry.New(cfg.Registry.StatePath, providedBus.Bus, log)

	// 7. Agent adapters: pty terminal sessions and JSON-RPC co-process sessions
	//
	// recoveryCtl, engine, and notify are assigned after the Delivery Engine
	// and Recovery Controller are constructed below; the adapter callbacks
	// capture the variables by reference so they pick up the live components
	// once wiring completes, before the HTTP server (and therefore any real
	// session traffic) starts.
	var (
		recoveryCtl *recovery.Controller
		engine      *delivery.Engine
		notify      *notifier.Notifier
	)
	termAdapter := terminal.New(terminal.Config{
		SettleDelay:      time.Duration(cfg.Terminal.SettleDelayMs) * time.Millisecond,
		InterKeyDelay:    time.Duration(cfg.Delivery.InterKeyDelayMs) * time.Millisecond,
		IdlePromptPoll:   time.Duration(cfg.Terminal.IdlePromptPollMs) * time.Millisecond,
		DefaultCols:      cfg.Terminal.DefaultCols,
		DefaultRows:      cfg.Terminal.DefaultRows,
		ClearSettleDelay: time.Duration(cfg.Terminal.ClearSettleDelayMs) * time.Millisecond,
		ClearIdleTimeout: time.Duration(cfg.Terminal.ClearIdleTimeoutS) * time.Second,
	}, func(sessionID string) {
		_ = reg.MarkStopped(sessionID)
		sess, err := reg.Get(sessionID)
		if err != nil || sess.Kind != registry.KindTerminal || len(sess.Command) == 0 {
			return
		}
		if recoveryCtl != nil {
			recoveryCtl.RecoverSession(ctx, sessionID, sess.Command, false, sess.TranscriptPath)
		}
	}, log)

	rpcManager := rpc.New(rpc.Config{
		StartupTimeout: time.Duration(cfg.RPC.StartupTimeoutS) * time.Second,
		CallTimeout:    time.Duration(cfg.RPC.CallTimeoutS) * time.Second,
		CloseTimeout:   time.Duration(cfg.RPC.CloseTimeoutS) * time.Second,
	}, ledgerStore, eventStore, obsLogger, func(sessionID, turnID, text, status string) {
		// The rpc adapter is synchronous per turn: turn completion is its
		// stop hook. Mark idle so the next queued message is delivered, and
		// mirror the agent's response to the chat route.
		if engine != nil {
			engine.MarkSessionIdle(ctx, sessionID, text, false)
		}
		if notify != nil && text != "" {
			_ = notify.Notify(ctx, delivery.NotifyEvent{Type: "agent_response", SessionID: sessionID, Text: text})
		}
	}, func(sessionID, text string) {
		if notify != nil {
			_ = notify.Notify(ctx, delivery.NotifyEvent{Type: "review_complete", SessionID: sessionID, Text: text})
		}
	}, func(sessionID string) {
		_ = reg.MarkStopped(sessionID)
		if err := ledgerStore.OrphanPendingForSession(sessionID, "session_closed"); err != nil {
			log.Warn("failed to orphan pending requests", zap.Error(err), zap.String("session_id", sessionID))
		}
	}, log)

	if policy, err := rpc.LoadPolicyDefaults(cfg.RPC.PolicyDefaultsPath); err != nil {
		log.Warn("failed to load RPC policy defaults, falling back to reject-all", zap.Error(err))
	} else {
		rpcManager.SetPolicyDefaults(policy)
	}

	// 7b. Load the registry now that pty liveness can be answered. Persisted
	// terminal rows whose pty did not survive the restart are dropped and
	// their chat topics collected for the stopped-note below.
	reg.SetPTYChecker(termAdapter.IsAlive)
	if err := reg.Load(); err != nil {
		log.Fatal("failed to load session registry", zap.Error(err))
	}

	// 8. Notifier / Chat Mirror, fanning out to apprise and the chat bridge
	var provs []providers.Provider
	if cfg.Notifier.AppriseCommand != "" {
		provs = append(provs, providers.NewAppriseProvider(cfg.Notifier.AppriseCommand, cfg.Notifier.AppriseTargets))
	}
	if cfg.Notifier.ChatBridgeURL != "" {
		provs = append(provs, providers.NewChatBridgeProvider(cfg.Notifier.ChatBridgeURL))
	}
	notify = notifier.New(notifier.NewRegistryRouter(reg), provs, log)

	for _, topic := range reg.OrphanedChatTopics {
		if err := notify.PostStopped(ctx, topic); err != nil {
			log.Warn("failed to post stopped note to orphaned topic", zap.Error(err), zap.String("topic", topic))
		}
	}

	// 9. Delivery Engine, wired to both adapters, the notifier, and the
	// registry's lookup view
	engine = delivery.NewEngine(delivery.Config{
		MaxBatchSize:           cfg.Delivery.MaxBatchSize,
		SelfNotifySuppression:  time.Duration(cfg.Delivery.SelfNotifySuppressionS) * time.Second,
		SkipFenceWindow:        time.Duration(cfg.Delivery.SkipFenceWindowS) * time.Second,
		InputStaleTimeout:      time.Duration(cfg.Delivery.InputStaleTimeoutS) * time.Second,
		StaleInputPollInterval: time.Duration(cfg.Delivery.StaleInputPollIntervalS) * time.Second,
		InterKeyDelay:          time.Duration(cfg.Delivery.InterKeyDelayMs) * time.Millisecond,
		DetachedWorkTimeout:    time.Duration(cfg.Delivery.DetachedWorkTimeoutS) * time.Second,
		MaxConcurrentJobs:      int64(cfg.Delivery.MaxConcurrentJobs),
	}, queue, reg, termAdapter, rpcManager, notify, log)

	// 10. Scheduler (periodic remind, parent wake, session watch) and Handoff
	sched := scheduler.New(scheduler.Config{
		PeriodicRemindTick:     time.Duration(cfg.Scheduler.PeriodicRemindTickS) * time.Second,
		ParentWakeDefault:      time.Duration(cfg.Scheduler.ParentWakeDefaultS) * time.Second,
		ParentWakeEscalated:    time.Duration(cfg.Scheduler.ParentWakeEscalatedS) * time.Second,
		CompactionPollInterval: time.Duration(cfg.Scheduler.CompactionPollIntervalS) * time.Second,
		CompactionMaxWait:      time.Duration(cfg.Scheduler.CompactionMaxWaitS) * time.Second,
	}, engine, reg, obsLogger, schedStore, log)
	engine.SetScheduler(sched)

	handoffExec := handoff.New(handoff.DefaultConfig(), engine, reg, rpcManager, log)
	engine.SetHandoffExecutor(handoffExec)

	// 11. Recovery controller for abnormal agent-process exits. Assigning to
	// recoveryCtl here makes it visible to the termAdapter onDead closure
	// constructed above.
	recoveryCtl = recovery.New(recovery.DefaultConfig(), engine, reg, log)

	// 12. Hook ingestor, driven by the agent's own pre/post-tool-use and stop hooks
	hookSvc := hooks.New(engine, reg, obsLogger, log)

	// 13. Drain any queue rows left over from a previous process generation,
	// re-arm persisted scheduler registrations, and start the
	// stale-typed-input poll for each surviving terminal session
	if err := engine.RecoverPersistentQueue(ctx); err != nil {
		log.Warn("failed to recover persistent delivery queue", zap.Error(err))
	}
	if err := sched.Recover(); err != nil {
		log.Warn("failed to recover persisted scheduler registrations", zap.Error(err))
	}
	for _, sess := range reg.List() {
		if sess.Kind == registry.KindTerminal && sess.Status != registry.StatusStopped {
			engine.StartStaleInputPoll(sess.ID)
		}
	}

	// 13b. MCP server, exposing session management as tools for MCP-speaking
	// agents. Disabled when mcp.port is 0.
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Port != 0 {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, mcpserver.Deps{
			Registry: reg,
			Engine:   engine,
			Events:   eventStore,
			Ledger:   ledgerStore,
		}, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Warn("failed to start mcp server", zap.Error(err))
			mcpSrv = nil
		}
	}

	// 14. HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := httpapi.New(httpapi.Deps{
		Registry:  reg,
		Engine:    engine,
		Terminal:  termAdapter,
		RPC:       rpcManager,
		Events:    eventStore,
		Ledger:    ledgerStore,
		Scheduler: sched,
		Hooks:     hookSvc,
		Log:       log,
	})
	router := server.Router()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 15. Start server in a goroutine
	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	// 16. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestrator service")

	// 17. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("mcp server shutdown error", zap.Error(err))
		}
	}

	// Unwind any detached background delivery/notify work still running off
	// a now-cancelled request context.
	engine.Shutdown()

	log.Info("orchestrator service stopped")
}
