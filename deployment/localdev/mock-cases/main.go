// Command mock-cases serves synthetic regional case series for local
// development. Each region is a scenario preset integrated over its first
// days and rounded to whole counts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/outbreakstack/seirisk/internal/engine"
	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/utils"
)

func main() {
	var (
		addr        string
		presetsPath string
		days        int
		offset      float64
	)
	flag.StringVar(&addr, "addr", ":8080", "listen address")
	flag.StringVar(&presetsPath, "presets", "", "optional presets YAML file")
	flag.IntVar(&days, "days", 60, "number of daily rows per region")
	flag.Float64Var(&offset, "offset", 5, "cases already confirmed on day 0")
	flag.Parse()

	logger := utils.NewLogger("info", false).With(slog.String("component", "cases-mock"))

	store, err := engine.NewPresetStore(presetsPath, logger)
	if err != nil {
		logger.Error("load presets", slog.Any("error", err))
		os.Exit(1)
	}
	pipeline, err := engine.NewPipeline(logger, nil, nil, nil, store)
	if err != nil {
		logger.Error("build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/cases/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		region := strings.TrimPrefix(r.URL.Path, "/api/v1/cases/")
		preset, err := store.Get(region)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		sc, err := preset.Scenario(0, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		times := utils.Arange(0, float64(days), 1)
		tr, err := pipeline.Simulate(r.Context(), sc, times)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rows := make([][]float64, tr.Len())
		for i, st := range tr.States {
			rows[i] = []float64{
				tr.Times[i],
				math.Round(st[seir.IdxC] + offset),
				math.Round(st[seir.IdxR]),
			}
		}
		writeJSON(w, logger, map[string]any{
			"region":     preset.Name,
			"population": sc.Population,
			"rows":       rows,
		})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx := context.Background()
	logger.InfoContext(ctx, "listening", slog.String("address", addr), slog.Any("regions", store.Names()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode error", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
