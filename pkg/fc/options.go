package fc

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultMaxCredits   int64   = 500000
	DefaultMinThreshold float64 = 0.25
	DefaultMaxBlockTime         = 5 * time.Second
)

type config struct {
	maxCredits         int64
	minThreshold       float64
	minCredits         int64
	minCreditsSet      bool
	maxBlockTime       time.Duration
	ignoreSyncResponse bool

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func defaultConfig() config {
	return config{
		maxCredits:         DefaultMaxCredits,
		minThreshold:       DefaultMinThreshold,
		maxBlockTime:       DefaultMaxBlockTime,
		ignoreSyncResponse: true,
	}
}

// finalize derives min_credits and checks the bounds.
func (c *config) finalize() error {
	if c.maxCredits <= 0 {
		return fmt.Errorf("%w: max_credits must be positive, got %d", ErrInvalidConfig, c.maxCredits)
	}
	if !c.minCreditsSet {
		if c.minThreshold <= 0 || c.minThreshold > 1 {
			return fmt.Errorf("%w: min_threshold must be in (0, 1], got %g", ErrInvalidConfig, c.minThreshold)
		}
		c.minCredits = int64(float64(c.maxCredits) * c.minThreshold)
	}
	if c.minCredits <= 0 || c.minCredits > c.maxCredits {
		return fmt.Errorf("%w: min_credits must be in (0, max_credits], got %d", ErrInvalidConfig, c.minCredits)
	}
	return nil
}

// Option to pass to `New`.
type Option func(*config) error

// WithMaxCredits sets how many bytes can be sent to a member before
// credit must be received back from it.
func WithMaxCredits(credits int64) Option {
	return func(c *config) error {
		c.maxCredits = credits
		return nil
	}
}

// WithMinThreshold derives the replenishment threshold as a fraction of
// max credits. It is ignored when `WithMinCredits` is used.
func WithMinThreshold(threshold float64) Option {
	return func(c *config) error {
		c.minThreshold = threshold
		return nil
	}
}

// WithMinCredits sets how many bytes a receiver accepts from a member
// before sending it credit back.
func WithMinCredits(credits int64) Option {
	return func(c *config) error {
		c.minCredits = credits
		c.minCreditsSet = true
		return nil
	}
}

// WithMaxBlockTime controls how long a blocked sender waits before asking
// its creditors for credit. A value <= 0 makes senders wait indefinitely
// and never ask.
func WithMaxBlockTime(d time.Duration) Option {
	return func(c *config) error {
		c.maxBlockTime = d
		return nil
	}
}

// WithIgnoreSynchronousResponse lets a message sent while handling an
// up-call (see `stack.WithReentrant`) bypass blocking.
func WithIgnoreSynchronousResponse(ignore bool) Option {
	return func(c *config) error {
		c.ignoreSyncResponse = ignore
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
// the layer.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the layer.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// Property names recognised by `ParseProperties`.
const (
	PropMaxCredits                = "max_credits"
	PropMinThreshold              = "min_threshold"
	PropMinCredits                = "min_credits"
	PropMaxBlockTime              = "max_block_time"
	PropIgnoreSynchronousResponse = "ignore_synchronous_response"
)

// ParseProperties turns a textual property map, as found in stack
// configuration files, into options. `max_block_time` is in milliseconds.
// Unknown properties are rejected.
func ParseProperties(props map[string]string) ([]Option, error) {
	var opts []Option
	var unknown []string
	for _, key := range slices.Sorted(maps.Keys(props)) {
		val := strings.TrimSpace(props[key])
		switch key {
		case PropMaxCredits:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
			}
			opts = append(opts, WithMaxCredits(n))
		case PropMinThreshold:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
			}
			opts = append(opts, WithMinThreshold(f))
		case PropMinCredits:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
			}
			opts = append(opts, WithMinCredits(n))
		case PropMaxBlockTime:
			ms, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
			}
			opts = append(opts, WithMaxBlockTime(time.Duration(ms)*time.Millisecond))
		case PropIgnoreSynchronousResponse:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
			}
			opts = append(opts, WithIgnoreSynchronousResponse(b))
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
