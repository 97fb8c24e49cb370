// Command server runs the Relic Rush game server: websocket and QUIC
// listeners in front of the room hub.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	server "relic-rush/server"
	"relic-rush/server/internal/events"
	"relic-rush/server/internal/telemetry"
	"relic-rush/server/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
		quicAddr   = flag.String("quic-addr", "", "QUIC listen address (overrides config)")
	)
	flag.Parse()

	if err := run(*configPath, *addr, *quicAddr); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(configPath, addrOverride, quicAddrOverride string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Addr = addrOverride
	}
	if quicAddrOverride != "" {
		cfg.QUICAddr = quicAddrOverride
	}

	logger := log.Default()
	metrics := telemetry.New()
	recent := events.NewMemoryPublisher(256)
	publisher := events.Fanout(events.NewConsolePublisher(os.Stdout, events.SeverityInfo), recent)

	hub := server.NewHub(cfg, metrics, publisher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	var quicListener *transport.QUICListener
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return err
		}
		tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"relic-rush"}}
		quicListener, err = transport.ListenQUIC(cfg.QUICAddr, tlsConf)
		if err != nil {
			return err
		}
		hub.EnableQUIC()
		logger.Printf("quic listening on %s", cfg.QUICAddr)
		group.Go(func() error {
			return server.ServeQUIC(ctx, hub, quicListener)
		})
	} else {
		logger.Printf("no TLS certificate configured, running websocket-only")
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: server.NewHTTPHandler(hub, recent)}
	group.Go(func() error {
		logger.Printf("http listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if quicListener != nil {
			quicListener.Close()
		}
		hub.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
