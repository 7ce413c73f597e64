// Package app orchestrates process startup: config, logging, runtime
// directories, the persistence layer and the engine itself.
package app

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"venuelink/internal/engine"
	"venuelink/internal/event"
	"venuelink/internal/infra"
	"venuelink/internal/storage"
	"venuelink/internal/venue"
	"venuelink/internal/venue/sim"
)

// Bootstrap holds everything Initialize builds.
type Bootstrap struct {
	Config     *infra.Config
	EventStore *storage.EventStore
	Snapshots  *storage.SnapshotManager
	Engine     *engine.Manager

	unlock func()
}

func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs the startup sequence. On success the engine is
// assembled but not yet started.
func (b *Bootstrap) Initialize() error {
	event.Warmup()

	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	workDir := infra.GetWorkspaceDir()
	dataDir := filepath.Join(workDir, "data", cfg.Venue.Name)
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// One engine instance per workspace; two writers would corrupt the
	// journal.
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	dbPath := filepath.Join(dataDir, "events.db")
	evStore, err := storage.NewEventStore(dbPath)
	if err != nil {
		return err
	}
	b.EventStore = evStore
	b.Snapshots = storage.NewSnapshotManager(filepath.Join(dataDir, "snapshots"))
	slog.Info("EventStore initialized", slog.String("path", dbPath))

	v, err := buildVenue(cfg)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, v, evStore, b.Snapshots, logger)
	if err != nil {
		return err
	}
	b.Engine = eng
	return nil
}

// Close releases resources acquired during Initialize.
func (b *Bootstrap) Close() {
	if b.EventStore != nil {
		b.EventStore.Close()
	}
	if b.unlock != nil {
		b.unlock()
	}
}

// buildVenue selects the venue adapter by configured name.
func buildVenue(cfg *infra.Config) (venue.Venue, error) {
	switch cfg.Venue.Name {
	case "sim", "paper":
		s := sim.New()
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", cfg.Venue.Name)
	}
}
