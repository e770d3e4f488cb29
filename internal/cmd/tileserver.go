package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/watercolormap/internal/expirewatcher"
	"github.com/MeKo-Tech/watercolormap/internal/renderpool"
	"github.com/MeKo-Tech/watercolormap/internal/tileindex"
	"github.com/MeKo-Tech/watercolormap/internal/tileprocessor"
	"github.com/MeKo-Tech/watercolormap/internal/tileserver"
	"github.com/MeKo-Tech/watercolormap/internal/tileworker"
)

var tileServerCmd = &cobra.Command{
	Use:   "tile-server",
	Short: "Serve tiles with the pooled render/cache/invalidation engine",
	RunE:  runTileServer,
}

func init() {
	rootCmd.AddCommand(tileServerCmd)

	f := tileServerCmd.Flags()
	f.Int("worker-count", 0, "Number of rendering worker goroutines (required)")
	f.String("database-url", "", "Render worker database connection string (required)")
	f.Int("pool-max-size", 4, "Database pool max size")
	f.Uint8("max-zoom", 20, "Maximum supported zoom for serving tiles")
	f.String("allowed-scales", "1", "Comma-separated allowed tile scales, e.g. 1,2,3")
	f.String("tile-url-path", "/", "Comma-separated URL path prefixes for tile routes")
	f.String("coverage-geojson", "", "Comma-separated coverage GeoJSON files aligned with --tile-url-path (0, 1, or N)")
	f.String("tile-cache-base-path", "", "Comma-separated cache base directories aligned with --tile-url-path (0, 1, or N)")
	f.Bool("serve-cached", true, "Serve cached tiles from the filesystem")
	f.String("expires-base-path", "", "Directory to watch for .tiles expiration files")
	f.Uint8("invalidate-min-zoom", 0, "Lowest zoom to invalidate ancestor tiles up to")
	f.String("index", "", "Tile index database root directory")
	f.String("render", "", "Render layers per tile URL path; groups separated by ';', layers by ','")
	f.String("host", "127.0.0.1", "HTTP bind address")
	f.Int("port", 3050, "HTTP bind port")

	mustBind := func(key, name string) {
		if err := viper.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
		if err := viper.BindEnv(key, "MAPRENDER_"+strings.ToUpper(strings.ReplaceAll(name, "-", "_"))); err != nil {
			panic(fmt.Sprintf("failed to bind env: %v", err))
		}
	}

	mustBind("tileserver.worker_count", "worker-count")
	mustBind("tileserver.database_url", "database-url")
	mustBind("tileserver.pool_max_size", "pool-max-size")
	mustBind("tileserver.max_zoom", "max-zoom")
	mustBind("tileserver.allowed_scales", "allowed-scales")
	mustBind("tileserver.tile_url_path", "tile-url-path")
	mustBind("tileserver.coverage_geojson", "coverage-geojson")
	mustBind("tileserver.tile_cache_base_path", "tile-cache-base-path")
	mustBind("tileserver.serve_cached", "serve-cached")
	mustBind("tileserver.expires_base_path", "expires-base-path")
	mustBind("tileserver.invalidate_min_zoom", "invalidate-min-zoom")
	mustBind("tileserver.index", "index")
	mustBind("tileserver.render", "render")
	mustBind("tileserver.host", "host")
	mustBind("tileserver.port", "port")
}

// variantInput is one fully-resolved per-URL-path configuration, the
// result of expanding the CLI's 0/1/N cardinality lists.
type variantInput struct {
	urlPath         string
	coverageGeojson string
	cacheBasePath   string
	renderLayers    []string
}

func runTileServer(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	workerCount := viper.GetInt("tileserver.worker_count")
	if workerCount <= 0 {
		return errors.New("--worker-count is required and must be > 0")
	}
	databaseURL := viper.GetString("tileserver.database_url")
	if databaseURL == "" {
		return errors.New("--database-url is required")
	}

	urlPaths := splitNonEmpty(viper.GetString("tileserver.tile_url_path"), ",")
	if len(urlPaths) == 0 {
		return errors.New("at least one --tile-url-path is required")
	}
	if hasDuplicate(urlPaths) {
		return errors.New("--tile-url-path values must be unique")
	}

	renderGroups := splitNonEmpty(viper.GetString("tileserver.render"), ";")
	coverageFiles := splitNonEmpty(viper.GetString("tileserver.coverage_geojson"), ",")
	cachePaths := splitNonEmpty(viper.GetString("tileserver.tile_cache_base_path"), ",")

	renderByVariant, err := expandRequired(renderGroups, len(urlPaths), "--render")
	if err != nil {
		return err
	}
	coverageByVariant, err := expandOptional(coverageFiles, len(urlPaths), "--coverage-geojson")
	if err != nil {
		return err
	}
	cacheByVariant, err := expandOptional(cachePaths, len(urlPaths), "--tile-cache-base-path")
	if err != nil {
		return err
	}

	variants := make([]variantInput, len(urlPaths))
	for i, p := range urlPaths {
		variants[i] = variantInput{
			urlPath:         p,
			coverageGeojson: coverageByVariant[i],
			cacheBasePath:   cacheByVariant[i],
			renderLayers:    strings.Split(renderByVariant[i], ","),
		}
	}

	allowedScales, err := parseFloats(viper.GetString("tileserver.allowed_scales"))
	if err != nil {
		return fmt.Errorf("--allowed-scales: %w", err)
	}

	indexRoot := viper.GetString("tileserver.index")
	invalidateMinZoom := uint8(viper.GetInt("tileserver.invalidate_min_zoom"))
	maxZoom := uint8(viper.GetInt("tileserver.max_zoom"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("tile-server: parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(viper.GetInt("tileserver.pool_max_size"))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("tile-server: connect database: %w", err)
	}
	defer pool.Close()

	processorVariants := make([]tileprocessor.Variant, len(variants))
	serverVariants := make([]tileserver.Variant, len(variants))

	for i, v := range variants {
		var idx *tileindex.Index
		if indexRoot != "" && v.cacheBasePath != "" {
			idxDir := filepath.Join(indexRoot, sanitizeURLPath(v.urlPath))
			idx, err = tileindex.Open(idxDir)
			if err != nil {
				return fmt.Errorf("tile-server: open tile index for %s: %w", v.urlPath, err)
			}
			defer idx.Close()
		}

		processorVariants[i] = tileprocessor.Variant{
			URLPath:   v.urlPath,
			CacheRoot: v.cacheBasePath,
			Index:     idx,
		}

		var geom orb.Geometry
		if v.coverageGeojson != "" {
			geom, err = loadCoverageGeometry(v.coverageGeojson)
			if err != nil {
				return fmt.Errorf("tile-server: load coverage for %s: %w", v.urlPath, err)
			}
		}

		serverVariants[i] = tileserver.Variant{
			URLPath:      v.urlPath,
			CoverageGeom: geom,
			RenderLayers: v.renderLayers,
			CacheRoot:    v.cacheBasePath,
			ServeCached:  viper.GetBool("tileserver.serve_cached"),
			ProcessorIdx: i,
		}
	}

	processor := tileprocessor.New(tileprocessor.Config{
		Variants:          processorVariants,
		InvalidateMinZoom: invalidateMinZoom,
		Logger:            logger,
	})
	worker := tileworker.New(tileworker.Config{Processor: processor, Logger: logger})

	var watcher *expirewatcher.Watcher
	expiresBasePath := viper.GetString("tileserver.expires_base_path")
	if expiresBasePath != "" {
		watcher, err = expirewatcher.New(expirewatcher.Config{
			BaseDir:     expiresBasePath,
			Invalidator: worker,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("tile-server: create expiration watcher: %w", err)
		}
		if err := watcher.ProcessExisting(); err != nil {
			logger.Warn("tile-server: error processing pre-existing expiration files", "error", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("tile-server: start expiration watcher: %w", err)
		}
	}

	dataSource := createOverpassDataSource(4, logger)
	renderFactory := tileserver.NewPipelineRendererFactory(tileserver.PipelineRendererConfig{
		DataSource:   dataSource,
		StylesDir:    filepath.Join("assets", "styles"),
		TexturesDir:  filepath.Join("assets", "textures"),
		WorkDir:      filepath.Join(os.TempDir(), "tile-server-render"),
		BaseTileSize: 256,
		DBPool:       pool,
		Logger:       logger,
	})

	renderPool, err := renderpool.New(renderpool.Config{
		Workers: workerCount,
		Factory: renderFactory,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("tile-server: start render pool: %w", err)
	}

	srv := tileserver.New(tileserver.Config{
		Pool:          renderPool,
		Worker:        worker,
		Variants:      serverVariants,
		MaxZoom:       maxZoom,
		AllowedScales: allowedScales,
		TileSize:      256,
		Logger:        logger,
	})

	addr := fmt.Sprintf("%s:%d", viper.GetString("tileserver.host"), viper.GetInt("tileserver.port"))
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router(), ReadHeaderTimeout: 5 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tile-server listening", "addr", addr, "workers", workerCount, "variants", len(variants))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("tile-server stopped with error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if watcher != nil {
		if err := watcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tile-server: watcher shutdown error", "error", err)
		}
		logger.Info("tile invalidation watcher stopped")
	}
	worker.Shutdown()
	logger.Info("tile processing worker stopped")
	renderPool.Shutdown()
	logger.Info("render worker pool stopped")

	return nil
}

func loadCoverageGeometry(path string) (orb.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		geom, gerr := geojson.UnmarshalGeometry(data)
		if gerr != nil {
			return nil, fmt.Errorf("not a valid GeoJSON FeatureCollection or Geometry: %w", err)
		}
		return geom.Geometry(), nil
	}
	if len(fc.Features) == 0 {
		return nil, errors.New("coverage geojson has no features")
	}
	return fc.Features[0].Geometry, nil
}

func sanitizeURLPath(p string) string {
	s := strings.Trim(p, "/")
	if s == "" {
		return "root"
	}
	return strings.ReplaceAll(s, "/", "_")
}

func splitNonEmpty(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func hasDuplicate(values []string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return true
		}
		seen[v] = struct{}{}
	}
	return false
}

func parseFloats(csv string) ([]float64, error) {
	parts := splitNonEmpty(csv, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid scale %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// expandOptional implements the 0/1/N cardinality rule for flags that may
// be omitted entirely (coverage polygons, cache paths): empty stays empty
// per variant, one value broadcasts to all variants.
func expandOptional(values []string, variantsLen int, name string) ([]string, error) {
	switch len(values) {
	case 0:
		return make([]string, variantsLen), nil
	case 1:
		out := make([]string, variantsLen)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	case variantsLen:
		return values, nil
	default:
		return nil, fmt.Errorf("%s count (%d) must be 0, 1, or match --tile-url-path count (%d)", name, len(values), variantsLen)
	}
}

// expandRequired is expandOptional's counterpart for flags that must be
// specified at least once (render layers): 1 broadcasts, N matches 1:1.
func expandRequired(values []string, variantsLen int, name string) ([]string, error) {
	switch len(values) {
	case 1:
		out := make([]string, variantsLen)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	case variantsLen:
		return values, nil
	default:
		return nil, fmt.Errorf("%s count (%d) must be 1 or match --tile-url-path count (%d)", name, len(values), variantsLen)
	}
}
