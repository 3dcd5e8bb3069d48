package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/callsight/callsight/internal/api"
	"github.com/callsight/callsight/internal/broker"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/correlate"
	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
	"github.com/callsight/callsight/internal/delta3"
	"github.com/callsight/callsight/internal/devlink"
	"github.com/callsight/callsight/internal/metrics"
	"github.com/callsight/callsight/internal/persist"
	"github.com/callsight/callsight/internal/resolver"
	"github.com/callsight/callsight/internal/smdr"
	"github.com/callsight/callsight/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler())
	slog.SetDefault(logger)

	slog.Info("starting callsight",
		"http_port", cfg.HTTPPort,
		"devlink", cfg.DevLinkConfigured(),
		"smdr", cfg.SmdrEnabled,
		"driver", cfg.DatabaseDriver(),
	)

	// Open database and run migrations.
	db, err := database.Open(database.Options{
		Driver:      cfg.DatabaseDriver(),
		DataDir:     cfg.DataDir,
		URL:         cfg.DatabaseURL,
		PoolMax:     cfg.DBPoolMax,
		IdleTimeout: time.Duration(cfg.DBIdleTimeout) * time.Millisecond,
	})
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Pub/sub broker. Redis when configured, in-process otherwise.
	var bus broker.Broker
	if cfg.BrokerURL != "" {
		bus, err = broker.NewRedisBroker(appCtx, cfg.BrokerURL, logger)
		if err != nil {
			slog.Error("failed to connect to broker", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no broker configured, events stay in-process")
		bus = broker.NewMemoryBroker(logger)
	}
	defer bus.Close()

	// Persistence pipeline.
	calls := database.NewCallRepository(db)
	events := database.NewCallEventRepository(db)
	agents := database.NewAgentRepository(db)
	agentStates := database.NewAgentStateRepository(db)
	mappings := database.NewAgentMappingRepository(db)
	groups := database.NewHuntGroupRepository(db)
	smdrRecords := database.NewSmdrRepository(db)

	buffer := persist.New(calls, events, agents, agentStates, logger)
	go buffer.Run(appCtx)

	res := resolver.New(agents, mappings, logger)
	if err := res.Load(appCtx); err != nil {
		slog.Error("failed to warm resolver cache", "error", err)
		os.Exit(1)
	}

	engine := correlate.New(buffer, smdrRecords, calls, res, logger)
	go engine.Run(appCtx)

	core := state.NewCore(logger)
	for _, a := range mustListAgents(appCtx, agents) {
		core.SeedAgent(a.Extension, a.Name, nil)
	}

	// DevLink3 real-time feed.
	var connection *devlink.Connection
	if cfg.DevLinkConfigured() {
		connection = devlink.NewConnection(devlink.Config{
			Host:       cfg.DevLinkHost,
			Port:       cfg.DevLinkPort,
			UseTLS:     cfg.DevLinkUseTLS,
			TLSVerify:  cfg.DevLinkTLSVerify,
			Username:   cfg.DevLinkUsername,
			Password:   cfg.DevLinkPassword,
			EventFlags: cfg.EventFlags,
			Reconnect:  true,
		}, logger)
		connection.Start(appCtx)
		go pumpDevLink(appCtx, connection, core, engine, groups, bus, logger)
	}

	// SMDR billing feed.
	var listener *smdr.Listener
	if cfg.SmdrEnabled {
		listener = smdr.NewListener(cfg.SmdrHost, cfg.SmdrPort, func(rec *models.SmdrRecord) {
			handleSmdr(appCtx, rec, engine, bus, logger)
		}, logger)
		if err := listener.Start(appCtx); err != nil {
			slog.Error("failed to start smdr listener", "error", err)
			os.Exit(1)
		}
	}

	// Metrics registry with the pipeline collector.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(metrics.NewCollector(
		connectionProvider(connection), core, buffer, engine,
		listenerProvider(listener), time.Now()))

	handler := api.NewServer(core, connection, listener, buffer, engine, registry)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Shutdown order: stop the feeds, then drain writes, then HTTP.
	slog.Info("shutting down")
	if connection != nil {
		connection.Stop()
	}
	if listener != nil {
		listener.Stop()
	}
	appCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	select {
	case <-buffer.Done():
	case <-shutdownCtx.Done():
		slog.Warn("persist buffer did not drain before timeout", "remaining", buffer.Size())
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callsight stopped")
}

// pumpDevLink drains the DevLink3 frame channel: decode Delta3 records,
// apply them to the state core, then fan the resulting domain events out
// to persistence and the broker.
func pumpDevLink(ctx context.Context, conn *devlink.Connection, core *state.Core,
	engine *correlate.Engine, groups database.HuntGroupRepository,
	bus broker.Broker, logger *slog.Logger) {
	parser := delta3.NewParser(logger)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Frames():
			if !ok {
				return
			}
			if frame.Type != devlink.PacketEvent {
				continue
			}
			payload, err := devlink.ParseEventPayload(frame.Body)
			if err != nil {
				logger.Warn("discarding malformed event frame", "error", err)
				continue
			}
			for _, raw := range payload.CallDelta3() {
				rec := parser.Parse(raw)
				if rec == nil {
					continue
				}
				for _, ev := range core.Apply(rec) {
					dispatchEvent(ctx, ev, engine, groups, bus, logger)
				}
			}
		}
	}
}

// dispatchEvent routes one state core event to the database and the
// broker. Persistence failures are logged, never fatal; the feeds keep
// flowing.
func dispatchEvent(ctx context.Context, ev state.Event, engine *correlate.Engine,
	groups database.HuntGroupRepository, bus broker.Broker, logger *slog.Logger) {
	switch ev.Type {
	case state.EventCallCreated, state.EventCallUpdated, state.EventCallEnded:
		if err := engine.HandleCallEvent(ctx, ev); err != nil {
			logger.Error("persisting call event", "error", err)
		}
	case state.EventAgentState:
		if err := engine.HandleAgentEvent(ctx, ev); err != nil {
			logger.Error("persisting agent state", "error", err)
		}
	case state.EventGroupStats:
		if err := groups.UpsertStats(ctx, ev.Group); err != nil {
			logger.Error("persisting group stats", "group", ev.Group.Name, "error", err)
		}
	}

	channel, msg, ok := broker.MessageForEvent(ev, uuid.NewString())
	if !ok {
		return
	}
	if err := bus.Publish(ctx, channel, msg); err != nil {
		logger.Error("publishing event", "channel", channel, "error", err)
	}
}

// handleSmdr stores, publishes and reconciles one SMDR record.
func handleSmdr(ctx context.Context, rec *models.SmdrRecord, engine *correlate.Engine,
	bus broker.Broker, logger *slog.Logger) {
	rowID, err := engine.HandleSmdr(ctx, rec)
	if err != nil {
		logger.Error("correlating smdr record", "call_id", rec.CallID, "error", err)
	}

	msg := broker.SmdrMessage{
		ID:        uuid.NewString(),
		Record:    *rec,
		Timestamp: time.Now().UTC(),
	}
	if err := bus.Publish(ctx, broker.ChannelSmdr, msg); err != nil {
		logger.Error("publishing smdr record", "error", err)
	}
	if rowID != 0 && rec.Reconciled {
		if err := bus.Publish(ctx, broker.ChannelSmdrCorrelated, msg); err != nil {
			logger.Error("publishing correlated smdr record", "error", err)
		}
	}
}

func mustListAgents(ctx context.Context, agents database.AgentRepository) []models.Agent {
	list, err := agents.ListActive(ctx)
	if err != nil {
		slog.Warn("failed to preload agents", "error", err)
		return nil
	}
	return list
}

// connectionProvider avoids handing a typed-nil interface to the
// metrics collector when DevLink3 is disabled.
func connectionProvider(c *devlink.Connection) metrics.ConnectionStatusProvider {
	if c == nil {
		return nil
	}
	return c
}

func listenerProvider(l *smdr.Listener) metrics.SmdrStatsProvider {
	if l == nil {
		return nil
	}
	return l
}
