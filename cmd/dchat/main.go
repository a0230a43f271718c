package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dchat/internal/config"
	"dchat/internal/contact"
	"dchat/internal/daemon"
	"dchat/internal/debuglog"
	"dchat/internal/metrics"
	"dchat/internal/network"
	"dchat/internal/pprofutil"
	"dchat/internal/proto"
)

const (
	version         = "0.3.0"
	metricsInterval = 10 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runChat(args[1:], stdin, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "dchat %s (protocol DCHAT: %s)\n", version, proto.Version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: dchat <run|version> [args]")
	fmt.Fprintln(w, "  run  [-c config.yaml] -d <onion-id> -l <listen-port> [-n nick]")
	fmt.Fprintln(w, "       [-s <remote-onion> -p <remote-port>] [-t tor|tcp|quic] [--debug]")
	fmt.Fprintln(w, "  version")
}

// loadConfig reads the optional config file and applies flags set on the
// command line over it.
func loadConfig(args []string, stderr io.Writer) (config.Config, bool, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("c", "", "config file (yaml)")
	onion := fs.String("d", "", "local onion id")
	nick := fs.String("n", "", "nickname")
	listen := fs.Int("l", 0, "local listening port")
	remoteOnion := fs.String("s", "", "onion id of a peer to connect to")
	remotePort := fs.Int("p", 0, "listening port of that peer")
	kind := fs.String("t", "", "transport: tor, tcp or quic")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, false, err
	}
	if fs.NArg() != 0 {
		return config.Config{}, false, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return config.Config{}, false, err
		}
		cfg = loaded
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "d":
			cfg.Onion = *onion
		case "n":
			cfg.Nickname = *nick
		case "l":
			cfg.ListenPort = *listen
		case "t":
			cfg.Transport = *kind
		case "s", "p":
			if cfg.Remote == nil {
				cfg.Remote = &config.Remote{}
			}
			if f.Name == "s" {
				cfg.Remote.Onion = *remoteOnion
			} else {
				cfg.Remote.Port = *remotePort
			}
		}
	})
	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, false, err
	}
	return cfg, *debug, nil
}

func runChat(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, debug, err := loadConfig(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "config: %v\n", err)
		}
		return 1
	}
	if debug {
		_ = os.Setenv("DCHAT_DEBUG", "1")
	}
	debuglog.SetOutput(stderr)

	self, err := cfg.Self()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	transport, err := network.New(cfg.TransportOptions())
	if err != nil {
		fmt.Fprintf(stderr, "transport: %v\n", err)
		return 1
	}
	if cfg.Transport == network.KindQUIC {
		color.New(color.FgYellow).Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")
	}
	var remote *daemon.Target
	if cfg.Remote != nil {
		id, err := contact.ParseOnionID(cfg.Remote.Onion)
		if err != nil {
			fmt.Fprintf(stderr, "remote: %v\n", err)
			return 1
		}
		remote = &daemon.Target{Onion: id, Port: uint16(cfg.Remote.Port)}
	}
	if cfg.PprofAddr != "" {
		if _, err := pprofutil.Start(cfg.PprofAddr, stderr); err != nil {
			fmt.Fprintf(stderr, "pprof: %v\n", err)
			return 1
		}
	}
	m := metrics.New()
	runner, err := daemon.NewRunner(daemon.Options{
		Self:            self,
		Transport:       transport,
		Metrics:         m,
		Increment:       cfg.StoreIncrement,
		ConnectRate:     rate.Limit(cfg.ConnectRate),
		ConnectBurst:    cfg.ConnectBurst,
		ConnectQueue:    cfg.ConnectQueue,
		ConnectCooldown: cfg.ConnectCooldown,
		Out:             stdout,
		Remote:          remote,
	})
	if err != nil {
		fmt.Fprintf(stderr, "runner: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Fprintf(stdout, "READY onion=%s port=%d transport=%s\n", self.Onion, self.Port, cfg.Transport)
	fmt.Fprintln(stdout, "type /help for commands")

	// stdin reads cannot be interrupted; the reader is left behind on exit.
	go readInput(ctx, stdin, runner)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return runner.Run(gctx)
	})
	if cfg.MetricsPath != "" {
		g.Go(func() error {
			return writeMetrics(gctx, m, cfg.MetricsPath)
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func readInput(ctx context.Context, r io.Reader, runner *daemon.Runner) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), proto.MaxContentLen)
	for sc.Scan() {
		if err := runner.Submit(ctx, sc.Text()); err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil {
		debuglog.Warnf("reading input: %v", err)
	}
}

// writeMetrics refreshes the snapshot file periodically and once on exit.
func writeMetrics(ctx context.Context, m *metrics.Metrics, path string) error {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.WriteSnapshot(path); err != nil {
				debuglog.Errorf("write metrics: %v", err)
			}
			return nil
		case <-ticker.C:
			if err := m.WriteSnapshot(path); err != nil {
				debuglog.Errorf("write metrics: %v", err)
			}
		}
	}
}
