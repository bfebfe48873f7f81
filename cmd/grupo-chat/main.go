// grupo-chat is a group chat: every line typed is multicast to the
// members of the group.
//
// Lines starting with a slash are commands: /view prints the current
// view, /stats the flow control state, /unblock releases blocked senders
// and /quit leaves.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	armon_metrics "github.com/armon/go-metrics"
	armon_prometheus "github.com/armon/go-metrics/prometheus"
	"github.com/hashicorp/go-metrics"
	metrics_prometheus "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/grupo"
	"github.com/raskyld/grupo/pkg/fc"
	"github.com/raskyld/grupo/pkg/protocols"
	"github.com/raskyld/grupo/pkg/stack"
)

var (
	ConfigPath = flag.String("config", "", "path to a YAML configuration file")
	Name       = flag.String("name", "", "name to advertise, overrides the configuration")
	Port       = flag.Int("port", 0, "which port to bind, overrides the configuration")
	Neighbours = flag.String("neighbours", "", "comma-separated list of neighbours, overrides the configuration")

	TlsCert = flag.String("tls-cert", "", "client cert to use, enables QUIC")
	TlsKey  = flag.String("tls-key", "", "client private key to use")
	TlsCA   = flag.String("tls-ca", "", "ca to verify neighbours")
)

func main() {
	flag.Parse()
	cfg, err := loadConfig(*ConfigPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *Name != "" {
		cfg.Name = *Name
	}
	if *Port != 0 {
		cfg.Listen.Port = *Port
	}
	if *Neighbours != "" {
		cfg.Neighbours = strings.Split(*Neighbours, ",")
	}
	if *TlsCert != "" || *TlsKey != "" || *TlsCA != "" {
		cfg.TLS = &tlsFiles{Cert: *TlsCert, Key: *TlsKey, CA: *TlsCA}
	}

	level, err := cfg.logLevel()
	if err != nil {
		slog.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}).
		WithAttrs([]slog.Attr{slog.String("member", cfg.Name)})
	logger := slog.New(handler)

	registry, err := setupMetrics()
	if err != nil {
		logger.Error("failed to setup metrics", "error", err)
		os.Exit(1)
	}

	opts, err := channelOptions(&cfg, handler)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ch, err := grupo.Create(opts...)
	if err != nil {
		logger.Error("failed to create channel", "error", err)
		os.Exit(2)
	}

	if err := ch.JoinCluster(); err != nil {
		logger.Error("failed to join cluster", "error", err)
		ch.Shutdown()
		os.Exit(3)
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newMux(ch, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go receive(ctx, ch, os.Stdout)
	if err := chat(ctx, ch, os.Stdin, os.Stdout); err != nil {
		logger.Error("chat failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	ch.Shutdown()
}

// setupMetrics exposes the metrics of the channel, and the ones of
// memberlist which still reports through armon/go-metrics.
func setupMetrics() (prometheus.Gatherer, error) {
	registry := prometheus.NewRegistry()
	sink, err := metrics_prometheus.NewPrometheusSinkFrom(metrics_prometheus.PrometheusOpts{
		Registerer: registry,
		Expiration: time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if _, err := metrics.NewGlobal(metrics.DefaultConfig("grupo_chat"), sink); err != nil {
		return nil, err
	}

	legacyRegistry := prometheus.NewRegistry()
	legacySink, err := armon_prometheus.NewPrometheusSinkFrom(armon_prometheus.PrometheusOpts{
		Registerer: legacyRegistry,
		Expiration: time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if _, err := armon_metrics.NewGlobal(armon_metrics.DefaultConfig("grupo_chat"), legacySink); err != nil {
		return nil, err
	}

	return prometheus.Gatherers{registry, legacyRegistry}, nil
}

func channelOptions(cfg *config, handler slog.Handler) ([]grupo.Option, error) {
	opts := []grupo.Option{
		grupo.WithHostname(cfg.Name),
		grupo.WithListenOn(cfg.Listen.Addr, cfg.Listen.Port),
		grupo.WithNeighbours(cfg.Neighbours),
		grupo.WithLog(handler),
		grupo.WithMetricSink(metrics.Default()),
	}
	if cfg.Advertise.Addr != "" {
		opts = append(opts, grupo.WithAdvertise(cfg.Advertise.Addr, cfg.Advertise.Port))
	}

	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		opts = append(opts, grupo.WithTlsConfig(tlsConf))
	}

	fcOpts, err := fc.ParseProperties(cfg.FlowControl)
	if err != nil {
		return nil, err
	}
	opts = append(opts, grupo.WithFlowControl(fcOpts...))

	if len(cfg.Discard) > 0 {
		discardOpts, err := protocols.ParseDiscardProperties(cfg.Discard)
		if err != nil {
			return nil, err
		}
		discard, err := protocols.NewDiscard(append(discardOpts,
			protocols.WithLog(handler),
			protocols.WithMetricSink(metrics.Default()),
		)...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grupo.WithLayers(discard))
	}
	return opts, nil
}

func newMux(ch *grupo.Channel, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		score := ch.HealthScore()
		if score > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, "health score: %d\nview: %s\n", score, ch.View())
	})
	mux.HandleFunc("/flow-control", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, ch.FlowControl().String())
	})
	return mux
}

func receive(ctx context.Context, ch *grupo.Channel, out io.Writer) {
	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", msg.Src, msg.Payload)
	}
}

// chat sends every line of in until it is exhausted, ctx is done or
// /quit is typed.
func chat(ctx context.Context, ch *grupo.Channel, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
		case "/quit":
			return nil
		case "/view":
			fmt.Fprintln(out, ch.View())
		case "/stats":
			fmt.Fprintln(out, ch.FlowControl().String())
		case "/unblock":
			fmt.Fprintln(out, "unblocked:", ch.FlowControl().Unblock())
		default:
			if err := ch.Send(ctx, stack.Multicast, []byte(line)); err != nil {
				if errors.Is(err, grupo.ErrChannelClosed) {
					return err
				}
				fmt.Fprintln(out, "failed to send:", err)
			}
		}
	}
}
