// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/owasp-amass/trafgen"
	"github.com/owasp-amass/trafgen/config"
	"github.com/owasp-amass/trafgen/conn"
	"github.com/owasp-amass/trafgen/generator"
	"github.com/owasp-amass/trafgen/metrics"
	"github.com/owasp-amass/trafgen/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"p":       "protocol",
	"qps":     "qps",
	"burst":   "burst",
	"b":       "batch_count",
	"delay":   "send_delay",
	"timeout": "timeout",
	"d":       "duration",
	"c":       "concurrency",
	"retries": "retries",
	"n":       "qname",
	"t":       "qtype",
	"g":       "generator",
	"m":       "method",
	"k":       "insecure",
	"sni":     "server_name",
	"bind":    "bind_ip",
	"family":  "family",
	"port":    "port",
	"db":      "metrics_db",
	"stats":   "metrics_interval",
	"log":     "log_level",
	"env":     "env",
}

type params struct {
	Config *config.TrafGenConfig
	Log    *zap.Logger
	Help   bool
}

func main() {
	p, buf, err := ObtainParams(os.Args[1:])
	if err != nil {
		msg := err.Error()
		if buf != nil {
			msg = buf.String()
		}
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
	if p.Help && buf != nil {
		fmt.Fprintf(os.Stderr, "Usage: %s %s\n%s\n", path.Base(os.Args[0]), "[options]", buf.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = Run(ctx, p)
	stop()
	_ = p.Log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ObtainParams(args []string) (*params, *bytes.Buffer, error) {
	var targets CommaSep
	var tpath, npath string
	def := config.DefaultConfig

	buf := new(bytes.Buffer)
	flags := flag.NewFlagSet("trafgen", flag.ContinueOnError)
	flags.SetOutput(buf)

	p := new(params)
	flags.BoolVar(&p.Help, "h", false, "Print usage information")
	flags.Var(&targets, "r", "Target addresses or DoH URLs comma-separated")
	flags.StringVar(&tpath, "rf", "", "File containing a target on each line")
	flags.String("p", def.Protocol, "Protocol: udp, tcp, quic, doh or dot")
	flags.Float64("qps", def.QPS, "Queries per second across all generators (0 is unlimited)")
	flags.Int("burst", def.Burst, "Token bucket burst (default one second of queries)")
	flags.Int("b", def.BatchCount, "Maximum queries sent per tick")
	flags.Duration("delay", def.SendDelay, "Interval between send ticks")
	flags.Duration("timeout", def.Timeout, "Time to wait for a response")
	flags.Duration("d", def.Duration, "Length of the run (0 runs until interrupted)")
	flags.Int("c", def.Concurrency, "Number of concurrent generators")
	flags.Int("retries", def.Retries, "Times a timed out query is sent again")
	flags.String("n", def.QName, "Query names comma-separated")
	flags.StringVar(&npath, "nf", "", "File containing a query name on each line")
	flags.String("t", def.QType, "Query type")
	flags.String("g", def.Generator, "Query generator: static or randomlabel")
	flags.String("m", def.Method, "DoH request method: POST or GET")
	flags.Bool("k", def.Insecure, "Skip TLS certificate verification")
	flags.String("sni", def.ServerName, "TLS server name")
	flags.String("bind", def.BindIP, "Local address for outgoing sockets")
	flags.String("family", "any", "Address family: inet, inet6 or any")
	flags.Int("port", def.Port, "Port for targets without one (0 uses the protocol default)")
	flags.String("db", def.MetricsDB, "Bolt database receiving the metrics snapshots")
	flags.Duration("stats", def.MetricsInterval, "Interval between metrics summaries")
	flags.String("log", def.LogLevel, "Log level: debug, info, warn or error")
	flags.String("env", def.Env, "Log format: dev or prod")
	if err := flags.Parse(args); err != nil {
		return nil, buf, fmt.Errorf("%v", err)
	}
	if p.Help {
		flags.PrintDefaults()
		return p, buf, nil
	}

	overrides := make(map[string]any)
	flags.Visit(func(f *flag.Flag) {
		if key, found := flagKeys[f.Name]; found {
			if g, ok := f.Value.(flag.Getter); ok {
				overrides[key] = g.Get()
			}
		}
	})

	if tpath != "" {
		list, err := FileList(tpath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read the targets file: %v", err)
		}
		targets = append(targets, list...)
	}
	if len(targets) > 0 {
		overrides["targets"] = []string(targets)
	}

	if npath != "" {
		names, err := FileList(npath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read the names file: %v", err)
		}
		if n, ok := overrides["qname"].(string); ok && n != "" {
			names = append([]string{n}, names...)
		}
		overrides["qname"] = strings.Join(names, ",")
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		return nil, nil, err
	}
	p.Config = cfg

	p.Log, err = cfg.Logger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build the logger: %v", err)
	}
	return p, nil, nil
}

// Run generates traffic until the context is cancelled or the configured
// duration elapses, then waits for every engine to drain.
func Run(ctx context.Context, p *params) error {
	cfg := p.Config

	proto, err := cfg.ParsedProtocol()
	if err != nil {
		return err
	}
	targets, err := cfg.ParsedTargets()
	if err != nil {
		return err
	}

	mopts := []metrics.Option{metrics.WithLogger(p.Log)}
	if cfg.MetricsDB != "" {
		st, err := metrics.OpenStore(cfg.MetricsDB)
		if err != nil {
			return fmt.Errorf("failed to open the metrics database: %w", err)
		}
		defer func() { _ = st.Close() }()
		mopts = append(mopts, metrics.WithStore(st))
	}
	sink, err := metrics.New(cfg.Timeout, mopts...)
	if err != nil {
		return err
	}

	engines, err := buildEngines(cfg, proto, targets, sink, p.Log)
	if err != nil {
		return err
	}

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var errs error
	var started []*trafgen.Engine
	for _, e := range engines {
		if err := e.Start(ctx); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		started = append(started, e)
	}
	if len(started) == 0 {
		return errs
	}
	p.Log.Info("generating traffic",
		zap.String("protocol", proto.String()),
		zap.Int("targets", len(targets)),
		zap.Int("generators", len(started)),
		zap.Float64("qps", cfg.QPS),
	)

	rctx, rcancel := context.WithCancel(context.Background())
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		sink.Run(rctx, cfg.MetricsInterval)
	}()

	for _, e := range started {
		<-e.Done()
	}
	rcancel()
	<-reported
	return errs
}

// buildEngines creates one session and engine per generator. The rate limit
// is split evenly between them.
func buildEngines(cfg *config.TrafGenConfig, proto types.Protocol,
	targets []*types.Target, sink *metrics.Sink, log *zap.Logger) ([]*trafgen.Engine, error) {
	n := cfg.Concurrency
	qps := cfg.QPS / float64(n)
	burst := cfg.Burst / n
	if cfg.Burst > 0 && burst == 0 {
		burst = 1
	}

	method, err := types.ParseHTTPMethod(cfg.Method)
	if err != nil {
		return nil, err
	}

	engines := make([]*trafgen.Engine, 0, n)
	for i := 0; i < n; i++ {
		l := log.With(zap.Int("generator", i))
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))

		sess, err := conn.New(proto, conn.Options{
			Logger:     l,
			BindIP:     cfg.BindIP,
			Family:     cfg.Family,
			Timeout:    cfg.Timeout,
			Insecure:   cfg.Insecure,
			ServerName: cfg.ServerName,
			Method:     method,
		})
		if err != nil {
			return nil, err
		}

		gen, err := generator.New(cfg.Generator, cfg.QName, cfg.QType, rng)
		if err != nil {
			return nil, err
		}

		m, err := sink.Scoped()
		if err != nil {
			return nil, err
		}

		e, err := trafgen.New(trafgen.Config{
			Targets:       targets,
			Timeout:       cfg.Timeout,
			SendDelay:     cfg.SendDelay,
			BatchCount:    cfg.BatchCount,
			SweepInterval: cfg.SweepInterval,
			ShutdownGrace: cfg.ShutdownGrace,
			FinishGrace:   cfg.FinishGrace,
			Retries:       cfg.Retries,
		}, sess,
			trafgen.WithLogger(l),
			trafgen.WithMetrics(m),
			trafgen.WithGenerator(gen),
			trafgen.WithTokenBucket(trafgen.NewTokenBucket(qps, burst)),
			trafgen.WithRand(rng),
		)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}
