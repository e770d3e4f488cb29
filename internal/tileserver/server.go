// Package tileserver implements the HTTP mediator (C7): the single
// handler that turns a coord/scale/ext request into a coverage check, a
// cache read, a render-pool submission, and a save, in that order.
package tileserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/watercolormap/internal/renderpool"
	"github.com/MeKo-Tech/watercolormap/internal/tilecoord"
	"github.com/MeKo-Tech/watercolormap/internal/tileprocessor"
	"github.com/MeKo-Tech/watercolormap/internal/tileworker"
)

const defaultEpsilon = 2.220446049250313e-16 // f64::EPSILON, matching the original's scale ε-equality check

// Variant is one URL-prefix's serving configuration: its coverage
// polygon, the render layers/legend it asks the renderer for, and the
// index into the tile-processing worker's variant list it reports
// saves against.
type Variant struct {
	URLPath       string
	CoverageGeom  orb.Geometry // nil means "no coverage restriction"
	RenderLayers  []string
	LegendName    string
	CacheRoot     string
	ServeCached   bool
	ProcessorIdx  int // index into the tileprocessor.Config.Variants slice
}

// Config configures a Server.
type Config struct {
	Pool          *renderpool.Pool
	Worker        *tileworker.Worker // nil disables cache reads/async saves entirely
	Variants      []Variant
	MaxZoom       uint8
	AllowedScales []float64
	TileSize      int
	Logger        *slog.Logger
}

// Server is the tile-server HTTP mediator (C7).
type Server struct {
	pool          *renderpool.Pool
	worker        *tileworker.Worker
	variants      []Variant
	maxZoom       uint8
	allowedScales []float64
	tileSize      int
	logger        *slog.Logger
	router        chi.Router
}

// New builds a Server and wires its routes: one tile handler per variant
// prefix, plus shared /tiles/status and /metrics endpoints.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tileSize := cfg.TileSize
	if tileSize <= 0 {
		tileSize = 256
	}

	s := &Server{
		pool:          cfg.Pool,
		worker:        cfg.Worker,
		variants:      cfg.Variants,
		maxZoom:       cfg.MaxZoom,
		allowedScales: cfg.AllowedScales,
		tileSize:      tileSize,
		logger:        logger,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	for i := range s.variants {
		v := s.variants[i]
		r.Get(v.URLPath+"/{z}/{x}/{ySuffix}", s.serveTile(v))
	}
	r.Get("/tiles/status", s.statusHandler)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Router returns the http.Handler serving every configured route.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) serveTile(v Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoomStr := chi.URLParam(r, "z")
		xStr := chi.URLParam(r, "x")
		ySuffix := chi.URLParam(r, "ySuffix")

		zoom64, err := strconv.ParseUint(zoomStr, 10, 8)
		if err != nil {
			requestErrorsTotal.WithLabelValues(v.URLPath, "bad_zoom").Inc()
			http.Error(w, "invalid zoom", http.StatusBadRequest)
			return
		}
		zoom := uint8(zoom64)
		if zoom > s.maxZoom {
			requestErrorsTotal.WithLabelValues(v.URLPath, "zoom_out_of_range").Inc()
			http.NotFound(w, r)
			return
		}

		x64, err := strconv.ParseUint(xStr, 10, 32)
		if err != nil {
			requestErrorsTotal.WithLabelValues(v.URLPath, "bad_x").Inc()
			http.Error(w, "invalid x", http.StatusBadRequest)
			return
		}

		parsed, ok := ParseYSuffix(ySuffix)
		if !ok {
			requestErrorsTotal.WithLabelValues(v.URLPath, "bad_y_suffix").Inc()
			http.Error(w, "invalid y/scale/extension", http.StatusBadRequest)
			return
		}
		ext := parsed.Ext
		if ext == "" {
			ext = "jpeg"
		}
		if ext != "jpeg" && ext != "jpg" {
			requestErrorsTotal.WithLabelValues(v.URLPath, "bad_ext").Inc()
			http.NotFound(w, r)
			return
		}

		if !scaleAllowed(s.allowedScales, parsed.Scale) {
			requestErrorsTotal.WithLabelValues(v.URLPath, "bad_scale").Inc()
			http.NotFound(w, r)
			return
		}

		limit := uint64(1) << zoom
		if x64 >= limit || uint64(parsed.Y) >= limit {
			requestErrorsTotal.WithLabelValues(v.URLPath, "xy_out_of_range").Inc()
			http.NotFound(w, r)
			return
		}

		coord := tilecoord.New(zoom, uint32(x64), parsed.Y)
		bbox := TileBoundsEPSG3857(coord.X, coord.Y, coord.Zoom, s.tileSize)

		if v.CoverageGeom != nil {
			metersPerPixel := (bbox[2] - bbox[0]) / float64(s.tileSize)
			if TileTouchesCoverage(v.CoverageGeom, bbox, metersPerPixel) == Outside {
				tilesServedTotal.WithLabelValues(v.URLPath, "gray").Inc()
				writeJPEG(w, GrayTileJPEG())
				return
			}
		}

		if v.CacheRoot != "" && v.ServeCached {
			path := tileprocessor.ArtifactPath(v.CacheRoot, coord, parsed.Scale)
			if data, err := os.ReadFile(path); err == nil {
				tilesServedTotal.WithLabelValues(v.URLPath, "cache").Inc()
				writeJPEG(w, data)
				return
			} else if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("tileserver: cache read failed", "path", path, "error", err)
			}
		}

		renderStartedAt := time.Now()
		renderQueueDepth.Set(float64(s.pool.QueueDepth()))
		renderWorkerDegradations.Set(float64(s.pool.Degraded()))

		data, err := s.pool.Render(r.Context(), renderpool.RenderRequest{
			BBox:                bbox,
			X:                   coord.X,
			Y:                   coord.Y,
			Zoom:                coord.Zoom,
			Scale:               parsed.Scale,
			Format:              ext,
			Layers:              v.RenderLayers,
			CoverageGeomPresent: v.CoverageGeom != nil,
			LegendOverride:      v.LegendName,
		})
		if err != nil {
			tilesServedTotal.WithLabelValues(v.URLPath, "error").Inc()
			s.logger.Error("tileserver: render failed", "coord", coord.String(), "error", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}

		tilesServedTotal.WithLabelValues(v.URLPath, "render").Inc()
		writeJPEG(w, data)

		if v.CacheRoot != "" && s.worker != nil {
			if err := s.worker.SaveTile(r.Context(), data, coord, parsed.Scale, renderStartedAt, v.ProcessorIdx); err != nil {
				s.logger.Warn("tileserver: save tile failed", "coord", coord.String(), "error", err)
			}
		}
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	status := struct {
		RenderQueueDepth    int `json:"render_queue_depth"`
		RenderDegradations  int `json:"render_worker_degradations"`
		ProcessorQueueDepth int `json:"processor_queue_depth,omitempty"`
	}{
		RenderQueueDepth:   s.pool.QueueDepth(),
		RenderDegradations: s.pool.Degraded(),
	}
	if s.worker != nil {
		depth := s.worker.QueueDepth()
		processorQueueDepth.Set(float64(depth))
		status.ProcessorQueueDepth = depth
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("tileserver: encode status failed", "error", err)
	}
}

func scaleAllowed(allowed []float64, scale float64) bool {
	for _, a := range allowed {
		if diff := a - scale; diff < defaultEpsilon && diff > -defaultEpsilon {
			return true
		}
	}
	return false
}

func writeJPEG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
