// Command guacbroker runs the Guacamole session-sharing broker: a single
// HTTP server that upgrades browser WebSocket connections and bridges them
// to guacd, sharing one upstream connection across a master and any number
// of attached guests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rjsadow/guacbroker/internal/session"
	"github.com/rjsadow/guacbroker/internal/wsserver"
)

const (
	defaultPort     = 6060
	defaultEndpoint = "/ws"
	defaultGuacd    = "127.0.0.1:4822"
)

func main() {
	host := flag.String("host", "", "interface to listen on (empty for all interfaces)")
	port := flag.Int("port", defaultPort, "port to listen on")
	endpoint := flag.String("endpoint", defaultEndpoint, "WebSocket endpoint path")
	guacdAddr := flag.String("guacd", defaultGuacd, "guacd address (host:port)")
	static := flag.String("static", "", "directory of static front-end files to serve at / (disabled if empty)")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	directory := session.NewDirectory()
	parking := session.NewParkingLot()
	defer parking.Close()

	mux := http.NewServeMux()
	mux.Handle(*endpoint, wsserver.NewHandler(*guacdAddr, directory, parking))

	if *static != "" {
		mux.Handle("/", http.FileServer(http.Dir(*static)))
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	srv := &http.Server{Addr: addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("guacbroker listening", "addr", addr, "endpoint", *endpoint, "guacd", *guacdAddr)
		serveErr <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("guacbroker stopped")
}
