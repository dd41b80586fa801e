package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/alarmbot/homewatch/internal/mock"
)

func main() {
	bind := pflag.String("bind", "127.0.0.1:8443", "Address to listen on")
	secret := pflag.String("secret", "", "Shared secret clients must send as a bearer token")
	interval := pflag.Duration("interval", 5*time.Second, "Time between generated keypad events")
	retention := pflag.Duration("retention", mock.DefaultRetention, "How far back new streams replay")
	cutAfter := pflag.Int("cut-after", 0, "End each stream after this many events (0 never)")
	seed := pflag.Int64("seed", 0, "Random seed for generated events (0 uses the clock)")
	pflag.Parse()

	log.SetFlags(log.Lshortfile | log.Flags())
	if *secret == "" {
		log.Println("No --secret given; accepting unauthenticated requests")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	panel := mock.NewPanel(mock.Options{
		Token:     *secret,
		Retention: *retention,
		CutAfter:  *cutAfter,
	})
	gen := mock.NewGenerator(panel, *interval, *seed)

	srv := &http.Server{
		Addr:              *bind,
		Handler:           panel.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gen.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("Mock alarm panel listening on %s", *bind)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Open streams never finish on their own, so there is nothing to
		// drain gracefully.
		return srv.Close()
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
