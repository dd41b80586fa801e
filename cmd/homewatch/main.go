package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/alarmbot/homewatch/internal/alarm"
	"github.com/alarmbot/homewatch/internal/config"
	"github.com/alarmbot/homewatch/internal/health"
	"github.com/alarmbot/homewatch/internal/metrics"
	"github.com/alarmbot/homewatch/internal/retry"
	"github.com/alarmbot/homewatch/internal/session"
	"github.com/alarmbot/homewatch/internal/source"
	"github.com/alarmbot/homewatch/internal/status"
	"github.com/alarmbot/homewatch/internal/stream"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to config file")
	token := pflag.String("token", "", "Override the shared secret sent to every home")
	port := pflag.Int("port", 0, "Override status server port")
	noStatus := pflag.Bool("no-status", false, "Disable the local status server")
	pflag.CommandLine.SortFlags = false
	pflag.Usage = func() {
		os.Stderr.WriteString("Usage: homewatch [flags]\n\nWatches the alarm stream of every configured home.\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	log.SetFlags(log.Lshortfile | log.Flags())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *port > 0 {
		cfg.Status.Port = *port
	}
	if *noStatus {
		cfg.Status.Enabled = false
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := health.NewRegistry(cfg.SourceSet())

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)
	registry.Subscribe(m)

	client := stream.NewClient(registry, stream.Options{
		Token:          cfg.Token,
		ConnectTimeout: cfg.Stream.ConnectTimeout,
		IdleTimeout:    cfg.Stream.IdleTimeout,
	})

	store := status.NewStore()
	broadcaster := status.NewBroadcaster(registry, store, cfg.Status.SnapshotInterval)
	defer broadcaster.Close()
	registry.Subscribe(broadcaster)

	g, gctx := errgroup.WithContext(ctx)

	sources := cfg.AlarmSources()
	if len(sources) == 0 {
		log.Println("No source publishes an alarm stream; nothing to watch")
	}
	for _, src := range sources {
		s := newWatcher(cfg, client, src, m, broadcaster)
		g.Go(func() error {
			// A home that gives up or is misconfigured is logged and left
			// alone; the others keep running.
			if err := s.Run(gctx); err != nil && gctx.Err() == nil {
				log.Printf("%s: no longer watching: %v", s.Name(), err)
			}
			return nil
		})
	}

	if cfg.Status.Enabled {
		metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		server := status.NewServer(registry, store, broadcaster, cfg.Status, metricsHandler)
		g.Go(func() error {
			return status.ListenAndServe(gctx, cfg.Status.Host, cfg.Status.Port, server.Handler())
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Shutting down...")
}

func newWatcher(cfg *config.Config, client *stream.Client, src source.Source, m *metrics.Metrics, b *status.Broadcaster) *session.Session[alarm.Event] {
	name := src.Name
	return session.New(session.Config[alarm.Event]{
		Source:   src,
		Resource: cfg.Stream.Resource,
		Client:   client,
		Retry: retry.Policy{
			InitialDelay: cfg.Retry.InitialDelay,
			MaxAttempts:  cfg.Retry.MaxAttempts,
		},
		Debounce: cfg.Stream.Debounce,
		OnBatch: func(events []alarm.Event) {
			m.ObserveBatch(name)
			b.PublishBatch(name, events)
		},
		OnEvent: func(e alarm.Event) {
			m.ObserveEvent(name)
			if e.ShouldNotify() {
				log.Printf("%s: %s", e.Title(name), e.KeypadMessage)
			}
		},
		OnTransition: func(t session.Transition) {
			m.ObserveTransition(t)
			if t.Err != nil {
				log.Printf("%s: %s -> %s (attempt %d): %v", t.Source, t.From, t.To, t.Attempt, t.Err)
			}
		},
	})
}
