// sessiond runs the session core headless: it keeps the relay connection
// alive, answers call signaling, and exposes the prometheus endpoint.
// Notifications go to the log; a real host application replaces the
// presenter and the OS audio facility.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/privmsg/sessioncore/internal/call"
	"github.com/privmsg/sessioncore/internal/config"
	"github.com/privmsg/sessioncore/internal/supervisor"
)

var log = logging.Logger("sessiond")

func main() {
	cfgPath := flag.String("config", "sessiond.json", "path to config file")
	flag.Parse()

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("wrote default config to %s, fill in identity and relay settings\n", *cfgPath)
		os.Exit(0)
	}

	applyLogLevel(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(buildOptions(cfg))
	sup.Start(ctx)

	if cfg.Metrics.HTTPAddr != "" {
		go serveMetrics(cfg.Metrics.HTTPAddr)
	}

	// Hot-reload only touches log level; relay/identity changes need a
	// restart because the supervisor holds them for its lifetime.
	go func() {
		if err := config.Watch(ctx, *cfgPath, applyLogLevel); err != nil {
			log.Warnf("config watch: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	sup.Stop()
}

func buildOptions(cfg config.Config) supervisor.Options {
	opts := supervisor.Options{
		Endpoint:   cfg.Relay.URL,
		Credential: cfg.Relay.Credential,
		SelfID:     cfg.Identity.UserID,
		Media:      call.NewEngine(cfg.Media.ICEServers),
		InboxSize:  cfg.Inbox.BufferSize,
	}
	if cfg.Reconnect.FixedSeconds > 0 {
		fixed := time.Duration(cfg.Reconnect.FixedSeconds) * time.Second
		opts.NewBackoff = func() backoff.BackOff {
			return supervisor.FixedBackoff(fixed)
		}
	}
	return opts
}

func applyLogLevel(cfg config.Config) {
	level := cfg.Log.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("invalid log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server: %v", err)
	}
}
