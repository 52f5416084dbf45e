package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"workpulse/internal/agent"
	"workpulse/internal/config"
)

// Agent sends presence heartbeats for this workstation.
func main() {
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Named("agent")
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn(context.Background(), "dotenv not loaded", slog.Error(err))
	}
	cfg := config.Load()
	for _, w := range cfg.Warnings {
		logger.Warn(context.Background(), w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(agent.Options{
		CompanyName: cfg.Agent.CompanyName,
		EmployeeID:  cfg.Agent.EmployeeID,
		DisplayName: cfg.Agent.DisplayName,
		Department:  cfg.Agent.Department,
		Interval:    cfg.Agent.Interval,
		Client:      agent.NewClient(cfg.Agent.ServerURL),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal(ctx, "invalid agent config", slog.Error(err))
	}

	logger.Info(ctx, "agent started",
		slog.F("server", cfg.Agent.ServerURL),
		slog.F("company", cfg.Agent.CompanyName),
		slog.F("employee_id", cfg.Agent.EmployeeID),
		slog.F("interval", cfg.Agent.Interval),
	)
	if err := a.Run(ctx); err != nil {
		logger.Fatal(ctx, "agent stopped", slog.Error(err))
	}
	logger.Info(context.Background(), "agent stopped")
}
