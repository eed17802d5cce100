// Command martin is the tile server's entry point: resolve configuration,
// open every declared and discovered source, and serve.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/config"
	"github.com/maplibre/martin-sub002/internal/fonts"
	"github.com/maplibre/martin-sub002/internal/httpapi"
	"github.com/maplibre/martin-sub002/internal/obs"
	"github.com/maplibre/martin-sub002/internal/registry"
	"github.com/maplibre/martin-sub002/internal/sprites"
	"github.com/maplibre/martin-sub002/internal/styles"
)

var (
	flagConfig          string
	flagListenAddresses string
	flagWorkers         int
	flagDefaultSRID     int
	flagAutoBounds      bool
	flagCARootFile      string
	flagRoutePrefix     string
	flagSaveConfig      string
	flagRateLimitRPS    float64
	flagRateLimitBurst  int
)

func main() {
	root := &cobra.Command{
		Use:           "martin [connection strings or file paths...]",
		Short:         "Blazing fast tile server, serving MBTiles, PMTiles, COG and PostGIS sources",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.Flags().StringVar(&flagConfig, "config", "", "path to a configuration file")
	root.Flags().StringVar(&flagListenAddresses, "listen-addresses", "", "override server.listen_addresses")
	root.Flags().IntVar(&flagWorkers, "workers", 0, "override server.workers (stored in the configuration; the server does not read it)")
	root.Flags().IntVar(&flagDefaultSRID, "default-srid", 0, "override default_srid")
	root.Flags().BoolVar(&flagAutoBounds, "auto-bounds", false, "override auto_bounds (stored in the configuration; no source reads it)")
	root.Flags().StringVar(&flagCARootFile, "ca-root-file", "", "override ca_root_file (stored in the configuration; no connection reads it)")
	root.Flags().StringVar(&flagRoutePrefix, "route-prefix", "", "override server.route_prefix")
	root.Flags().StringVar(&flagSaveConfig, "save-config", "", "write the fully resolved configuration to this path and exit")
	root.Flags().Float64Var(&flagRateLimitRPS, "rate-limit-rps", 0, "override server.rate_limit_rps (0 = unlimited)")
	root.Flags().IntVar(&flagRateLimitBurst, "rate-limit-burst", 0, "override server.rate_limit_burst")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "martin:", err)
		os.Exit(exitCodeFor(err))
	}
}

// run resolves configuration, opens every source, and serves until an
// interrupt or terminate signal arrives.
func run(cmd *cobra.Command, args []string) error {
	logger := obs.Configure()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyPositionalArgs(cfg, args)
	applyFlagOverrides(cfg)

	if flagSaveConfig != "" {
		return writeConfig(cfg, flagSaveConfig)
	}

	c, err := cache.New(cache.Budgets{
		Tiles:       cfg.Cache.Tiles,
		PMTilesDirs: cfg.Cache.PMTilesDirs,
		Sprites:     cfg.Cache.Sprites,
		Fonts:       cfg.Cache.Fonts,
	})
	if err != nil {
		return fmt.Errorf("building cache: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Build(ctx, cfg, logger, c.Tiles, c.PMTilesDirs)
	if err != nil {
		return fmt.Errorf("opening sources: %w", err)
	}
	defer reg.Close()

	catalog := reg.Catalog()
	logger.Info("sources ready", "count", len(catalog), "sources", catalog)

	spriteStore := sprites.New(cfg.Assets.SpritesDir, c.Sprites)
	fontStore := fonts.New(cfg.Assets.FontsDir, c.Fonts)
	styleStore := styles.New(cfg.Assets.StylesDir)

	srv := httpapi.New(reg, c, spriteStore, fontStore, styleStore, cfg.Server.RoutePrefix, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Server.ListenAddresses)
		if err := srv.Echo().Start(cfg.Server.ListenAddresses); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpapi.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Echo().Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	}
}

// applyPositionalArgs treats bare CLI arguments as either Postgres
// connection strings (anything starting with "postgres(ql)?://") or
// MBTiles/PMTiles/COG file paths, dispatched by extension, the way
// operators expect to be able to run `martin my.mbtiles` with no config
// file at all.
func applyPositionalArgs(cfg *config.Config, args []string) {
	for _, arg := range args {
		ext := strings.ToLower(filepath.Ext(arg))
		switch {
		case strings.HasPrefix(arg, "postgres://"), strings.HasPrefix(arg, "postgresql://"):
			cfg.Postgres = append(cfg.Postgres, config.PgConnection{ConnString: arg, AutoPublish: true, OnInvalid: config.Warn})
		case ext == ".mbtiles":
			cfg.MBTiles = append(cfg.MBTiles, config.FileSource{Path: arg, OnInvalid: config.Warn})
		case ext == ".pmtiles":
			cfg.PMTiles = append(cfg.PMTiles, config.FileSource{Path: arg, OnInvalid: config.Warn})
		case ext == ".tif", ext == ".tiff":
			cfg.COG = append(cfg.COG, config.FileSource{Path: arg, OnInvalid: config.Warn})
		}
	}
}

func applyFlagOverrides(cfg *config.Config) {
	if flagListenAddresses != "" {
		cfg.Server.ListenAddresses = flagListenAddresses
	}
	if flagWorkers != 0 {
		cfg.Server.Workers = flagWorkers
	}
	if flagDefaultSRID != 0 {
		cfg.DefaultSRID = flagDefaultSRID
	}
	if flagAutoBounds {
		cfg.AutoBounds = true
	}
	if flagCARootFile != "" {
		cfg.CARootFile = flagCARootFile
	}
	if flagRoutePrefix != "" {
		cfg.Server.RoutePrefix = flagRoutePrefix
	}
	if flagRateLimitRPS != 0 {
		cfg.Server.RateLimitRPS = flagRateLimitRPS
	}
	if flagRateLimitBurst != 0 {
		cfg.Server.RateLimitBurst = flagRateLimitBurst
	}
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// writeConfig marshals the fully resolved configuration back to YAML, so
// an operator can capture what defaults/env/flags produced and commit it
// as a starting point for a real config file.
func writeConfig(cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
