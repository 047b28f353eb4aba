// Command eventerd is a small monitoring daemon built on the eventer
// reactor. It runs periodic TCP reachability checks as deadline-bounded
// jobs, logs batches of results, and serves a plain text status report.
//
//	eventerd -config eventerd.toml -log-level debug
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/go-eventer/eventer"
	"github.com/joeycumines/ilogrus"
	"github.com/joeycumines/logiface"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String(`config`, `eventerd.toml`, `path to the TOML configuration file`)
	logLevel := flag.String(`log-level`, `info`, `logrus log level`)
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventerd: %v\n", err)
		os.Exit(2)
	}
	log := newLogger(level)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Err().Err(err).Log(`invalid configuration`)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Err().Err(err).Log(`exiting`)
		os.Exit(1)
	}
}

func newLogger(level logrus.Level) *logiface.Logger[logiface.Event] {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return ilogrus.L.New(
		ilogrus.L.WithLogrus(l),
		ilogrus.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

// run wires the reactor, the checks, the collector, and the status
// listener, and supervises them until ctx is done or one of them fails.
func run(ctx context.Context, log *logiface.Logger[logiface.Event], cfg *daemonConfig) error {
	r, err := eventer.New(eventer.WithLogger(log), eventer.WithMetrics(true))
	if err != nil {
		return err
	}
	defer r.Close()

	if err := cfg.reactorConfig().Apply(r); err != nil {
		return err
	}

	r.Names().Register(`check_fire`, checkFire)
	r.Names().Register(`check_probe`, checkProbe)

	results := make(chan checkResult, 256)
	board := newStatusBoard()

	for _, cc := range cfg.Checks {
		c := &check{cfg: cc, r: r, log: log, results: results}
		if err := c.schedule(); err != nil {
			return fmt.Errorf(`check %s: %w`, cc.Name, err)
		}
	}

	if cfg.StatusListen != `` {
		fd, err := listenTCP(cfg.StatusListen)
		if err != nil {
			return err
		}
		srv := &statusServer{r: r, board: board, log: log, fd: fd}
		if err := srv.start(); err != nil {
			return err
		}
		defer srv.close()
		log.Info().Str(`addr`, cfg.StatusListen).Log(`status listener ready`)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := r.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			err = errors.New(`reactor stopped`)
		}
		return err
	})

	g.Go(func() error {
		err := collect(ctx, log, board, results)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	log.Info().
		Str(`backend`, r.Backend()).
		Int(`checks`, len(cfg.Checks)).
		Log(`eventerd started`)

	return g.Wait()
}
