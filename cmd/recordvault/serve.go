package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/recordvault/recordvault/internal/config"
	"github.com/recordvault/recordvault/internal/engine"
	"github.com/recordvault/recordvault/internal/tracing"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/pkg/bytesize"
)

const defaultListen = "127.0.0.1:9470"

func newServeCmd() *cobra.Command {
	var (
		listen      string
		traceWindow string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the engine open and expose metrics and maintenance endpoints",
		Long: `Keep the engine open with its background checkpointing, garbage
collection and transaction sweeping, and serve:

  GET  /metrics                   Prometheus metrics
  GET  /health                    liveness
  GET  /stats                     engine statistics as JSON
  GET  /dead-letters              writes that exhausted their retries
  POST /dead-letters/requeue?key= retry one of them
  GET  /debug/trace               recent runtime trace (with --trace)

The listen address comes from metrics.listen in the config file unless
--listen is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr := listen
			if addr == "" {
				addr = cfg.Metrics.Listen
			}
			if addr == "" {
				addr = defaultListen
			}
			var rec *tracing.Recorder
			if traceWindow != "" {
				window, err := bytesize.Parse(traceWindow)
				if err != nil {
					return fmt.Errorf("invalid --trace: %w", err)
				}
				if rec, err = tracing.Start(bytesize.Size(window), 0); err != nil {
					return fmt.Errorf("start trace recorder: %w", err)
				}
				defer rec.Stop()
			}
			return runServe(cmd.Context(), cfg, addr, rec)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default "+defaultListen+")")
	cmd.Flags().StringVar(&traceWindow, "trace", "", "keep a rolling runtime trace of this size (e.g. 10MB)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, addr string, rec *tracing.Recorder) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	e, err := engine.Open(ctx, engine.Options{Config: cfg, Logger: log.Logger})
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.DataDir, err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServeMux(e, rec),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", addr).Str("data_dir", cfg.DataDir).Msg("Serving")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down...")
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("HTTP shutdown")
	}
	if cerr := e.Close(shutdownCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newServeMux(e *engine.Engine, rec *tracing.Recorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", e.Metrics().Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	mux.HandleFunc("GET /dead-letters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.DeadLetters())
	})
	mux.HandleFunc("POST /dead-letters/requeue", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		if err := e.Requeue(r.Context(), key); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if rec != nil {
		mux.HandleFunc("GET /debug/trace", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Disposition", `attachment; filename="recordvault.trace"`)
			if _, err := rec.WriteTo(w); err != nil {
				log.Warn().Err(err).Msg("write trace")
			}
		})
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vaulterr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vaulterr.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, vaulterr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, vaulterr.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <config-path>",
		Short: "Write a configuration file with the defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			cfg := config.Default()
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}
			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (data in %s)\n", path, cfg.DataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate a blob encryption key",
		Long: `Generate a random 256-bit key for encrypting blobs at rest and write it
to path. Point cas.encryption_key_file at it before storing any blob: blobs
written without a key cannot be read with one, and the other way round.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.GenerateKey(args[0]); err != nil {
				return err
			}
			key, err := config.LoadKey(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Wrote key %s to %s\n", config.KeyFingerprint(key), args[0])
			return nil
		},
	}
}
