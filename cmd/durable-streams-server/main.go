// Command durable-streams-server runs the Durable Streams HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	durablestreams "github.com/broady/durable-streams"
	"github.com/broady/durable-streams/middleware"
)

// CLI is the server's flag surface, per spec.md §6. Grounded on
// cmd/tygor/main.go's kong.Parse usage, flattened to one command since this
// server has no subcommands.
type CLI struct {
	Port          int    `help:"Port to listen on." default:"4437"`
	Host          string `help:"Host to bind." default:"127.0.0.1"`
	Timeout       int    `help:"Long-poll timeout, in milliseconds." default:"30000" name:"timeout"`
	NoCompression bool   `help:"Disable response compression." name:"no-compression"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("durable-streams-server"),
		kong.Description("HTTP server for append-only, idempotently-produced, resumable message streams."),
		kong.UsageOnError(),
	)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(cli, logger); err != nil {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cli CLI, logger *slog.Logger) error {
	store := durablestreams.NewStore()
	srv := durablestreams.NewServer(store)
	srv.Logger = logger
	srv.Host = cli.Host
	srv.Port = cli.Port
	srv.LongPollTimeout = time.Duration(cli.Timeout) * time.Millisecond
	srv.WriteTimeout = srv.LongPollTimeout

	if cli.NoCompression {
		logger.Info("response compression disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/", srv)

	handler := middleware.Logging(logger)(
		middleware.CORS(middleware.DurableStreamsCORS())(mux),
	)

	addr := cli.Host + ":" + strconv.Itoa(cli.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", slog.Any("signal", sig))
		case <-gctx.Done():
			return nil
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
