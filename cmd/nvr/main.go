// Package main is the NVR recording engine's process entry point: load
// configuration, open and migrate the database, bootstrap the camera
// and stream rows it describes, and run the recording storage engine
// until asked to shut down.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/nvrstore/nvr/internal/config"
	"github.com/nvrstore/nvr/internal/core"
	"github.com/nvrstore/nvr/internal/database"
	"github.com/nvrstore/nvr/internal/recording"
	"github.com/nvrstore/nvr/internal/recording/sfdir"
)

const defaultDataPath = "/data"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	_ = os.MkdirAll(dataPath, 0755)

	configPath := findConfigFile(dataPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", configPath)
		os.Exit(1)
	}
	if cfg.System.Logging.Level == "debug" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	slog.Info("loaded configuration", "path", configPath, "cameras", len(cfg.Cameras))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := cfg.System.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(dataPath, "nvr.db")
	}
	_ = os.MkdirAll(filepath.Dir(dbPath), 0755)
	dbConfig := database.DefaultConfig(filepath.Dir(dbPath))
	dbConfig.Path = dbPath
	db, err := database.Open(dbConfig)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	eventBus, err := core.NewEventBus(core.DefaultEventBusConfig(), logger)
	if err != nil {
		slog.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	store := recording.NewStore(db)
	dbUUID, err := store.GetOrCreateDatabaseUUID(ctx)
	if err != nil {
		slog.Error("failed to establish database identity", "error", err)
		os.Exit(1)
	}

	streamCfgs, err := bootstrapStreams(ctx, store, cfg, dbUUID)
	if err != nil {
		slog.Error("failed to bootstrap camera and stream configuration", "error", err)
		os.Exit(1)
	}
	if len(streamCfgs) == 0 {
		slog.Warn("no streams configured for recording")
	}

	engine := recording.NewEngine(store)
	if err := engine.Start(ctx, dbUUID, streamCfgs); err != nil {
		slog.Error("failed to start recording engine", "error", err)
		os.Exit(1)
	}
	slog.Info("recording engine started", "streams", len(streamCfgs))

	if _, err := eventBus.Subscribe(core.SubjectSystemShutdown, func(*nats.Msg) {
		slog.Info("shutdown requested via event bus")
		cancel()
	}); err != nil {
		slog.Warn("failed to subscribe to shutdown subject", "error", err)
	}

	cfg.OnChange(func(c *config.Config) {
		slog.Info("configuration changed on disk; restart required to apply stream/directory changes", "path", c.GetPath())
		_ = eventBus.Publish(core.SubjectConfigChanged, nil)
	})
	if err := cfg.Watch(); err != nil {
		slog.Warn("config file watch unavailable", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	engine.Stop()
	slog.Info("recording engine stopped")
}

// bootstrapStreams reconciles the configuration's cameras and streams
// into the database, creating or updating the camera, sample_file_dir,
// and stream rows it describes, and returns the StreamConfig list the
// recording engine needs to open every recording-enabled stream's
// directory and start its writer.
func bootstrapStreams(ctx context.Context, store *recording.Store, cfg *config.Config, dbUUID uuid.UUID) ([]recording.StreamConfig, error) {
	dirIDs := make(map[string]int32)
	var out []recording.StreamConfig

	for _, cam := range cfg.Cameras {
		if !cam.Enabled {
			continue
		}
		camID, err := store.EnsureCamera(ctx, cam.ID, []byte("{}"))
		if err != nil {
			return nil, err
		}

		for _, sc := range cam.Streams {
			if !sc.Record {
				continue
			}
			if sc.SampleFileDir == "" {
				slog.Warn("skipping stream with no sample_file_dir", "camera", cam.ID, "type", sc.Type)
				continue
			}
			if err := os.MkdirAll(sc.SampleFileDir, 0755); err != nil {
				return nil, err
			}

			dirID, ok := dirIDs[sc.SampleFileDir]
			if !ok {
				dirID, err = store.EnsureSampleFileDir(ctx, sc.SampleFileDir)
				if err != nil {
					return nil, err
				}
				if !sfdir.HasDescriptor(sc.SampleFileDir) {
					dirUUID, err := store.SampleFileDirUUID(ctx, dirID)
					if err != nil {
						return nil, err
					}
					if err := sfdir.CreateDescriptor(sc.SampleFileDir, dbUUID, dirUUID); err != nil {
						return nil, err
					}
				}
				dirIDs[sc.SampleFileDir] = dirID
			}

			streamID, err := store.EnsureStream(ctx, camID, recording.StreamType(sc.Type), dirID, sc.Record, sc.RetainBytes, int64(sc.FlushIfSec))
			if err != nil {
				return nil, err
			}

			streams, err := store.ListStreams(ctx)
			if err != nil {
				return nil, err
			}
			for _, s := range streams {
				if s.ID == streamID {
					out = append(out, recording.StreamConfig{
						Stream: s,
						Dir:    recording.DirConfig{ID: dirID, Path: sc.SampleFileDir},
					})
					break
				}
			}
		}
	}
	return out, nil
}

func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		dir := filepath.Dir(configPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Warn("failed to create config directory", "dir", dir, "error", err)
		}
		return configPath
	}

	locations := []string{
		"/config/config.yaml",
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	if _, err := os.Stat("/config"); err == nil {
		return "/config/config.yaml"
	}
	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
