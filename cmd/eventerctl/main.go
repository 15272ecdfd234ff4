// Command eventerctl is a smoke-test harness for the eventer runtime: it
// boots a Runtime, registers a recurrent tick counter and a one-shot
// timer, runs for a fixed duration, and reports what fired.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	eventer "github.com/gallison93/libmtev"
)

func main() {
	var (
		duration    = flag.Duration("duration", 2*time.Second, "how long to run before shutting down")
		concurrency = flag.Int("concurrency", 0, "loop thread count (0 = automatic)")
		backend     = flag.String("backend", "", "multiplexer backend (epoll, kqueue, poll; empty = automatic)")
		configPath  = flag.String("config", "", "path to a TOML config file (overrides the flags above)")
		verbose     = flag.Bool("v", false, "log at debug level")
	)
	flag.Parse()

	minLevel := eventer.LevelInfo
	if *verbose {
		minLevel = eventer.LevelDebug
	}
	eventer.SetLogger(eventer.NewTextLogger(os.Stderr, minLevel))

	cfg := eventer.Config{Concurrency: *concurrency, Backend: *backend}
	if *configPath != "" {
		fileCfg, err := eventer.LoadConfigFile(*configPath)
		if err != nil {
			log.Fatalf("eventerctl: load config: %v", err)
		}
		cfg = fileCfg
	}

	rt, err := eventer.New(cfg)
	if err != nil {
		log.Fatalf("eventerctl: new runtime: %v", err)
	}
	if err := rt.Init(); err != nil {
		log.Fatalf("eventerctl: init: %v", err)
	}

	var ticks atomic.Int64
	recurrent := eventer.NewRecurrent(func(e *eventer.Event, mask eventer.Mask, closure any, now time.Time) eventer.Mask {
		ticks.Add(1)
		return mask
	}, nil)
	recurrent.Owner = rt.ChooseOwner(0)
	if err := rt.AddRecurrent(recurrent); err != nil {
		log.Fatalf("eventerctl: add recurrent: %v", err)
	}

	fired := make(chan struct{}, 1)
	timer := eventer.NewTimed(time.Now().Add(200*time.Millisecond), func(e *eventer.Event, mask eventer.Mask, closure any, now time.Time) eventer.Mask {
		select {
		case fired <- struct{}{}:
		default:
		}
		return 0
	}, nil)
	timer.Owner = rt.ChooseOwner(0)
	if err := rt.AddTimed(timer); err != nil {
		log.Fatalf("eventerctl: add timed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithTimeout(ctx, *duration)
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(runCtx) }()

	select {
	case <-fired:
		fmt.Println("eventerctl: one-shot timer fired")
		<-runCtx.Done()
	case <-time.After(*duration):
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Printf("eventerctl: shutdown: %v", err)
	}

	if err := <-runErr; err != nil {
		log.Printf("eventerctl: run: %v", err)
	}

	fmt.Printf("eventerctl: recurrent ticks=%d allocations_current=%d allocations_total=%d\n",
		ticks.Load(), eventer.AllocationsCurrent(), eventer.AllocationsTotal())
}
