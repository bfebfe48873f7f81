package protocols

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	upLoss        float64
	downLoss      float64
	excludeItself bool
	seed          uint64
	seedSet       bool

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func newConfig(opts []Option) (config, error) {
	var cfg config
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}

// Option to pass to the constructors of this package. Options which do
// not apply to a layer are ignored by it.
type Option func(*config) error

// WithUpLoss sets the probability, in [0, 1], for `Discard` to drop a
// message travelling up.
func WithUpLoss(p float64) Option {
	return func(c *config) error {
		if p < 0 || p > 1 {
			return fmt.Errorf("%w: up loss must be in [0, 1], got %g", ErrInvalidConfig, p)
		}
		c.upLoss = p
		return nil
	}
}

// WithDownLoss sets the probability, in [0, 1], for `Discard` to drop a
// message travelling down.
func WithDownLoss(p float64) Option {
	return func(c *config) error {
		if p < 0 || p > 1 {
			return fmt.Errorf("%w: down loss must be in [0, 1], got %g", ErrInvalidConfig, p)
		}
		c.downLoss = p
		return nil
	}
}

// WithExcludeItself makes `Discard` spare the messages sent by the local
// member.
func WithExcludeItself(exclude bool) Option {
	return func(c *config) error {
		c.excludeItself = exclude
		return nil
	}
}

// WithSeed makes the drops of `Discard` reproducible.
func WithSeed(seed uint64) Option {
	return func(c *config) error {
		c.seed = seed
		c.seedSet = true
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the layers.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the layers.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// ParseDiscardProperties turns the `up`, `down` and `excludeitself`
// properties into options.
func ParseDiscardProperties(props map[string]string) ([]Option, error) {
	var opts []Option
	var unknown []string
	for _, key := range slices.Sorted(maps.Keys(props)) {
		val := strings.TrimSpace(props[key])
		switch key {
		case "up", "down":
			p, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
			}
			if key == "up" {
				opts = append(opts, WithUpLoss(p))
			} else {
				opts = append(opts, WithDownLoss(p))
			}
		case "excludeitself":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
			}
			opts = append(opts, WithExcludeItself(b))
		default:
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: the following properties are not recognized: %s",
			ErrInvalidConfig, strings.Join(unknown, ", "))
	}
	return opts, nil
}
