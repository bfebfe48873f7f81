package grupo

import (
	"crypto/tls"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/grupo/pkg/fc"
	"github.com/raskyld/grupo/pkg/stack"
)

const (
	defaultLeaveTimeout = 5 * time.Second
	// quicPacketSize keeps memberlist packets below the datagram size QUIC
	// accepts on most paths.
	quicPacketSize = 1100
)

type config struct {
	mlCfg         *memberlist.Config
	trCfg         TransportConfig
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
	neighbours    []string
	fcOpts        []fc.Option
	layers        []stack.Layer
	receiveBuffer int
	leaveTimeout  time.Duration
}

func defaultConfig() config {
	return config{
		mlCfg: memberlist.DefaultLANConfig(),
		trCfg: TransportConfig{
			GracePeriod: defaultGracePeriod,
		},
		leaveTimeout: defaultLeaveTimeout,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface must be used by the
// channel.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertise specifies the address other peers should use to reach
// us, when it differs from the one we listen on.
func WithAdvertise(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.AdvertiseAddr = addr
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithHostname specifies which name should be exposed to other
// peers when joining the cluster. It is the address of the member in the
// views. For a well-behaving cluster, the name MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.mlCfg.Name = hostname
		}
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Channel.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// TODO(raskyld): Wait for the buildflag to always use the
		// hashicorp version so we don't need to do the translation.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig makes the channel use the QUIC transport, secured by
// tlsConf. It is REALLY important that you use mTLS in production since
// peers are authenticated by the common name of their certificate, which
// must match their hostname.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHostnameResolver overrides how the QUIC transport names peers from
// their certificates. See `CommonNameResolver`.
func WithHostnameResolver(resolver HostnameResolver) Option {
	return func(c *config) error {
		c.trCfg.HostnameResolver = resolver
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Channel`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.trCfg.DialTimeout = timeout
		c.mlCfg.TCPTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for QUIC
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithFlowControl configures the flow control layer of the channel.
// Logging and metrics are inherited from the channel unless overridden.
func WithFlowControl(opts ...fc.Option) Option {
	return func(c *config) error {
		c.fcOpts = append(c.fcOpts, opts...)
		return nil
	}
}

// WithLayers inserts layers between the flow control and the network,
// from the top to the bottom.
func WithLayers(layers ...stack.Layer) Option {
	return func(c *config) error {
		c.layers = append(c.layers, layers...)
		return nil
	}
}

// WithReceiveBuffer is how many messages may wait for `Channel.Receive`.
// Messages arriving while the buffer is full are dropped and counted.
// The default, 0, never drops.
func WithReceiveBuffer(size int) Option {
	return func(c *config) error {
		if size < 0 {
			size = 0
		}
		c.receiveBuffer = size
		return nil
	}
}

// WithLeaveTimeout bounds how long `Shutdown` waits for the leave
// intent to propagate.
func WithLeaveTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.leaveTimeout = timeout
		return nil
	}
}

// WithMemberlistConfig lets you tune memberlist, e.g. to use
// `memberlist.DefaultLocalConfig` in tests. Options touching memberlist
// must be passed after this one.
func WithMemberlistConfig(mlCfg *memberlist.Config) Option {
	return func(c *config) error {
		if mlCfg != nil {
			c.mlCfg = mlCfg
		}
		return nil
	}
}
