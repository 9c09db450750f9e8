package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/authprofiles"
	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/gateway"
	"github.com/nextlevelbuilder/clawdbot/internal/heartbeat"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/internal/subagents"
	"github.com/nextlevelbuilder/clawdbot/internal/telemetry"
	"github.com/nextlevelbuilder/clawdbot/internal/usage"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway process",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without", "error", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	agentDir := cfg.AgentDir()
	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		slog.Error("create agent dir", "dir", agentDir, "error", err)
		os.Exit(1)
	}

	auth, err := authprofiles.Ensure(agentDir)
	if err != nil {
		slog.Error("open credential store", "error", err)
		os.Exit(1)
	}

	events := bus.New()
	outbound := channels.NewOutbound(cfg)

	ledger, err := usage.Open(agentDir)
	if err != nil {
		slog.Warn("usage ledger unavailable", "error", err)
	} else {
		defer ledger.Close()
	}

	var orchestrator *agent.Orchestrator
	sessionStore, err := sessions.Open(sessions.Options{
		Dir:          agentDir,
		DefaultAgent: cfg.ResolveDefaultAgentID(),
		MainKeyName:  cfg.MainKey(),
		DefaultModel: cfg.Agents.Defaults.Model,
		ModelAllow:   cfg.Agents.Defaults.ModelAllow,
		Emit: func(event string, payload any) {
			events.Broadcast(bus.Event{Name: event, Payload: payload})
		},
		// orchestrator is constructed below; deletes abort through it
		Abort: func(key sessions.SessionKey) error {
			if orchestrator == nil {
				return nil
			}
			return orchestrator.Abort(key)
		},
	})
	if err != nil {
		slog.Error("open session store", "error", err)
		os.Exit(1)
	}

	orchestrator = agent.New(agent.Options{
		Config:   cfg,
		Sessions: sessionStore,
		Auth:     auth,
		Outbound: outbound,
		Events:   events,
		Ledger:   ledger,
		TypingFor: func(channel, to string) agent.TypingSignaler {
			return outbound.Typing(channel, to)
		},
	})

	registry := subagents.New(subagents.Options{
		Config:   cfg,
		Sessions: sessionStore,
		Runner:   orchestrator,
	})
	registry.Start()
	defer registry.Stop()

	hb := heartbeat.New(heartbeat.Options{
		Config:   cfg,
		Sessions: sessionStore,
		Runner:   orchestrator,
		Outbound: outbound,
		Status: func(channel, accountID string) bool {
			for _, st := range outbound.Statuses() {
				if st.Channel == channel {
					return st.Configured
				}
			}
			return false
		},
	})
	hb.Start()
	defer hb.Stop()

	server, err := gateway.New(gateway.Options{
		Config:       cfg,
		ConfigPath:   cfgPath,
		Orchestrator: orchestrator,
		Sessions:     sessionStore,
		Subagents:    registry,
		Heartbeat:    hb,
		Outbound:     outbound,
		Events:       events,
		Ledger:       ledger,
		Version:      Version,
		RequestRestart: func() {
			slog.Info("restart requested via config.apply")
			stop()
		},
	})
	if err != nil {
		slog.Error("gateway init", "error", err)
		os.Exit(1)
	}

	stopWatch, err := config.Watch(cfgPath, func(next *config.Config) {
		cfg.ReplaceFrom(next)
		events.Broadcast(bus.Event{Name: "config.reloaded", Payload: nil})
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}
