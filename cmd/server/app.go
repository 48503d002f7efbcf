package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/campfire-engine/api"
	"github.com/warp/campfire-engine/config"
	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/lifecycle"
	"github.com/warp/campfire-engine/notify"
	"github.com/warp/campfire-engine/store/sqlite"
)

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"db":             "db.path",
	"log-level":      "log.level",
	"port":           "server.port",
	"catalog":        "catalog.path",
	"expire-after":   "holds.expire_after",
	"check-interval": "holds.check_interval",
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := config.New(configFile)
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, fmt.Errorf("binding --%s: %w", name, err)
			}
		}
	}
	return config.Read(v)
}

func newLogger(cfg config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Log.Level)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// app is the wired object graph shared by every command.
type app struct {
	cfg        config.Config
	log        *slog.Logger
	store      *sqlite.Store
	catalog    *credits.Catalog
	credits    *credits.Service
	tasks      *lifecycle.Controller
	tokens     *api.StaticTokens
	dispatcher *notify.Dispatcher
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	catalog, err := credits.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	tokens, err := api.NewStaticTokens(cfg.Auth.Tokens)
	if err != nil {
		return nil, fmt.Errorf("auth.tokens: %w", err)
	}

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	dispatcher := notify.NewDispatcher(notify.Multi{store, notify.LogSink{Log: log}}, log)
	opts := []lifecycle.Option{
		lifecycle.WithAttachments(store),
		lifecycle.WithNotifier(dispatcher),
		lifecycle.WithCatalog(catalog),
		lifecycle.WithLogger(log),
		lifecycle.WithDirectory(api.DemoDirectory{Users: tokens}),
	}

	return &app{
		cfg:        cfg,
		log:        log,
		store:      store,
		catalog:    catalog,
		credits:    credits.NewService(store, catalog, log),
		tasks:      lifecycle.NewController(store, opts...),
		tokens:     tokens,
		dispatcher: dispatcher,
	}, nil
}

// Close waits for pending notifications and closes the database.
func (a *app) Close() error {
	a.dispatcher.Wait()
	return a.store.Close()
}
