package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"venuelink/internal/app"
	"venuelink/internal/domain"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// Pprof server, localhost only.
	go func() {
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := bootstrap.Engine
	eng.OnOrderTransition(func(from domain.OrderStatus, order domain.Order) {
		slog.Info("Order update",
			slog.String("order_id", order.ClientOrderID),
			slog.String("from", string(from)),
			slog.String("to", string(order.Status)))
	})
	eng.OnGroupTransition(func(from domain.GroupState, group domain.BracketGroup) {
		slog.Info("Group update",
			slog.String("group_id", group.GroupID),
			slog.String("from", string(from)),
			slog.String("to", string(group.State)))
	})

	if err := eng.Start(ctx); err != nil {
		slog.Error("Engine start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("Engine operational. Press Ctrl+C to exit.")

	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
	case err := <-eng.Errors():
		slog.Error("Fatal engine error", slog.Any("error", err))
	}

	remaining := eng.Stop(bootstrap.Config.ShutdownTimeout())
	if len(remaining) > 0 {
		slog.Warn("Orders need reconciliation", slog.Int("count", len(remaining)))
	}
}
