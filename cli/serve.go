package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowscope/flowscope/bus"
	"github.com/flowscope/flowscope/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the worker session server",
		Long: "Serve hosts worker sessions for remote backends: each client " +
			"session owns a worker subprocess driven over the HTTP API.",
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 8090, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().StringArray("worker", nil, "Worker command argv (repeatable, default: python3 -m flowscope_worker)")
	cmd.Flags().Duration("session-ttl", time.Hour, "Idle session lifetime before the worker is reaped")
	cmd.Flags().Duration("exec-timeout", 60*time.Second, "Per-request worker timeout")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("sqlite-path", "", "SQLite path for the run event store (empty: in-memory)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 5*time.Minute, "HTTP write timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	workerCmd, _ := cmd.Flags().GetStringArray("worker")
	sessionTTL, _ := cmd.Flags().GetDuration("session-ttl")
	execTimeout, _ := cmd.Flags().GetDuration("exec-timeout")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	eventBus := bus.NewMemBus(bus.MemBusConfig{})
	defer func() { _ = eventBus.Close() }()

	eventStore, closeStore, err := resolveEventStore(sqlitePath)
	if err != nil {
		return exitError(exitRuntime, "opening event store: %v", err)
	}
	defer closeStore()

	srv := server.NewServer(server.ServerConfig{
		WorkerCommand: workerCmd,
		SessionTTL:    sessionTTL,
		ExecTimeout:   execTimeout,
		CORSOrigin:    corsOrigin,
		MaxBodyBytes:  maxBody,
		Bus:           eventBus,
		EventStore:    eventStore,
		Logger:        logger,
	})
	defer srv.Close()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Handler(),
		ReadTimeout: readTimeout,
		// Long-lived SSE responses need a generous write timeout.
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("session server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return exitError(exitRuntime, "server error: %v", err)
	case sig := <-sigCh:
		fmt.Fprintf(cmd.ErrOrStderr(), "received %s, shutting down\n", sig)
	case <-cmd.Context().Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// resolveEventStore opens the SQLite event store when a path is given and
// falls back to the in-memory store otherwise.
func resolveEventStore(sqlitePath string) (bus.EventStore, func(), error) {
	if sqlitePath == "" {
		return bus.NewMemEventStore(), func() {}, nil
	}
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN: sqlitePath,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
