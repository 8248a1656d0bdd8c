package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/corehost/apppool/internal/controller"
	"github.com/corehost/apppool/pkg/apppool"
)

// adminCodec is the wire codec the admin HTTP surface encodes/decodes
// its JSON bodies with — the same compile-time-selected JSON
// implementation (stdlib/goccy/segmentio) apppool.codec.go picks for
// everything else, rather than a bare encoding/json call here.
func adminCodec() apppool.Codec {
	codec, err := apppool.NewCodec(apppool.CodecJSON)
	if err != nil {
		codec = &apppool.JSONCodec{}
	}
	return codec
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pool, the front-facing HTTP handler, and (optionally) the admin/metrics server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	listenAddr, _ := cmd.Flags().GetString("listen")
	adminAddr, _ := cmd.Flags().GetString("admin-listen")
	appGroupName, _ := cmd.Flags().GetString("app-group")

	cfg, err := apppool.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := apppool.NewLogger(cfg.Logging)
	logger.Info("json codec selected", "codec", apppool.GetJSONCodecType())
	sockets := apppool.NewSocketManager(cfg.Socket)

	connectPassword := apppool.SecretFromString(fmt.Sprintf("%d", time.Now().UnixNano()))
	if v, err := apppool.GenerateConnectPassword(); err == nil {
		connectPassword = v
	}

	factory := singleAppFactory(cfg, connectPassword)

	pool := apppool.NewPool(cfg.Pool, factory, sockets, logger)

	var metrics *apppool.PoolMetrics
	if cfg.Metrics.Enabled {
		metrics = apppool.NewPoolMetrics(prometheus.DefaultRegisterer)
		pool.SetMetrics(metrics)
	}

	resolve := func(r *http.Request) (string, string) {
		return appGroupName, cfg.Spawner.ScriptOrApp
	}

	ctl := controller.New(pool, resolve, controller.Config{
		ConnectTimeout:      cfg.Spawner.ConnectTimeout,
		RequestTimeout:      cfg.Protocol.RequestTimeout,
		StickySessionCookie: cfg.Protocol.StickySessionCookie,
	}, logger)

	frontServer := &http.Server{
		Addr:    listenAddr,
		Handler: ctl,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("front-facing handler listening", "addr", listenAddr)
		if err := frontServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("front server: %w", err)
		}
	}()

	var adminServer *http.Server
	if adminAddr != "" {
		adminServer = &http.Server{
			Handler: newAdminMux(pool, metrics, cfg.Metrics.Path),
		}
		adminListener, err := newAdminListener(adminAddr)
		if err != nil {
			return fmt.Errorf("admin listener: %w", err)
		}
		go func() {
			logger.Info("admin/metrics server listening", "addr", adminAddr)
			if err := adminServer.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	var metricsTicker *time.Ticker
	if metrics != nil {
		metricsTicker = time.NewTicker(5 * time.Second)
		go func() {
			for range metricsTicker.C {
				metrics.Collect(pool)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error, shutting down", "error", err)
	}

	if metricsTicker != nil {
		metricsTicker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool.PrepareForShutdown()
	_ = frontServer.Shutdown(shutdownCtx)
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}
	if err := pool.Destroy(shutdownCtx); err != nil {
		logger.Error("pool destroy reported errors", "error", err)
	}
	return nil
}

// singleAppFactory builds the GroupFactory apppoold uses out of the
// box: every request routes to the one app_root configured as
// spawner.app_root, spawned with the teacher's DefaultSpawner.
func singleAppFactory(cfg *apppool.Config, connectPassword string) apppool.GroupFactory {
	spawner := apppool.NewDefaultSpawner(apppool.NewLogger(cfg.Logging), apppool.NewSocketManager(cfg.Socket))
	return func(appGroupName, appRoot string) (apppool.GroupConfig, apppool.Spawner, apppool.SpawnOptions, error) {
		if appRoot == "" {
			appRoot = cfg.Spawner.ScriptOrApp
		}
		opts := apppool.SpawnOptions{
			AppGroupName:    appGroupName,
			AppRoot:         appRoot,
			Executable:      cfg.Spawner.Executable,
			ScriptOrApp:     cfg.Spawner.ScriptOrApp,
			Env:             cfg.Spawner.Env,
			StartTimeout:    cfg.Spawner.StartTimeout,
			ConnectPassword: connectPassword,
		}
		return cfg.Group, spawner, opts, nil
	}
}

// newAdminListener binds the admin/metrics server's listener. A
// "unix:<path>" admin-listen address is bound as a SecureListener —
// permissions locked to the owner and every Accept's peer verified
// against the server's own UID — since the admin API accepts
// set_max/detach_process/prepare_for_shutdown and has no business
// being reachable by another local user. A plain host:port address
// binds a regular TCP listener.
func newAdminListener(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		cfg := apppool.DefaultSocketSecurityConfig()
		cfg.SocketDir = filepath.Dir(path)
		return apppool.NewSecureListener(path, cfg)
	}
	return net.Listen("tcp", addr)
}

func newAdminMux(pool *apppool.Pool, metrics *apppool.PoolMetrics, metricsPath string) *http.ServeMux {
	mux := http.NewServeMux()
	codec := adminCodec()

	if metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		mux.Handle(metricsPath, promhttp.Handler())
	}

	statusCmd := apppool.NewAdminCommand(pool, apppool.Status)
	mux.HandleFunc("/admin/status", func(w http.ResponseWriter, r *http.Request) {
		out, err := statusCmd.Execute(r.Context(), struct{}{})
		writeAdminResult(codec, w, out, err)
	})

	setMaxCmd := apppool.NewAdminCommand(pool, apppool.SetMax)
	mux.HandleFunc("/admin/set_max", func(w http.ResponseWriter, r *http.Request) {
		var in apppool.SetMaxInput
		if err := decodeAdminBody(codec, r, &in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, err := setMaxCmd.Execute(r.Context(), in)
		writeAdminResult(codec, w, out, err)
	})

	detachCmd := apppool.NewAdminCommand(pool, apppool.DetachProcessCmd)
	mux.HandleFunc("/admin/detach_process", func(w http.ResponseWriter, r *http.Request) {
		var in apppool.DetachProcessInput
		if err := decodeAdminBody(codec, r, &in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, err := detachCmd.Execute(r.Context(), in)
		writeAdminResult(codec, w, out, err)
	})

	prepareCmd := apppool.NewAdminCommand(pool, apppool.PrepareForShutdownCmd)
	mux.HandleFunc("/admin/prepare_for_shutdown", func(w http.ResponseWriter, r *http.Request) {
		out, err := prepareCmd.Execute(r.Context(), struct{}{})
		writeAdminResult(codec, w, out, err)
	})

	return mux
}

func decodeAdminBody(codec apppool.Codec, r *http.Request, v interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read admin request body: %w", err)
	}
	return codec.Unmarshal(data, v)
}

func writeAdminResult(codec apppool.Codec, w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := codec.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
