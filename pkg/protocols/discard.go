package protocols

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/grupo/pkg/stack"
)

const DiscardName = "DISCARD"

var (
	MetricDiscardUpCount   = []string{"grupo", "discard", "up", "count"}
	MetricDiscardDownCount = []string{"grupo", "discard", "down", "count"}
)

// Discard drops messages at random, in either direction. It is meant to
// exercise the layers above it against message loss.
type Discard struct {
	stack.Base

	cfg    config
	logger *slog.Logger

	rngLk sync.Mutex
	rng   *rand.Rand

	local   atomic.Value
	upDrops atomic.Int64
	dnDrops atomic.Int64
}

func NewDiscard(opts ...Option) (*Discard, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	seed := cfg.seed
	if !cfg.seedSet {
		seed = uint64(time.Now().UnixNano())
	}
	d := &Discard{
		cfg:    cfg,
		logger: slog.New(cfg.logHandler).With("protocol", DiscardName),
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
	d.local.Store(stack.Multicast)
	return d, nil
}

func (d *Discard) Name() string {
	return DiscardName
}

func (d *Discard) Up(ctx context.Context, ev stack.Event) error {
	switch ev.Type {
	case stack.EventSetLocalAddress:
		d.local.Store(ev.Addr)
	case stack.EventMsg:
		local := d.local.Load().(stack.Address)
		if d.drop(d.cfg.upLoss) && !(d.cfg.excludeItself && ev.Msg.Src == local) {
			d.upDrops.Add(1)
			d.cfg.msink.IncrCounterWithLabels(MetricDiscardUpCount, 1, d.cfg.metricLabels)
			d.logger.Debug("dropping message", "direction", "up", "msg", ev.Msg)
			return nil
		}
	}
	return d.PassUp(ctx, ev)
}

// Down drops messages before they reach the network. Those are always
// sent by the local member.
func (d *Discard) Down(ctx context.Context, ev stack.Event) error {
	if ev.Type == stack.EventMsg && d.drop(d.cfg.downLoss) && !d.cfg.excludeItself {
		d.dnDrops.Add(1)
		d.cfg.msink.IncrCounterWithLabels(MetricDiscardDownCount, 1, d.cfg.metricLabels)
		d.logger.Debug("dropping message", "direction", "down", "msg", ev.Msg)
		return nil
	}
	return d.PassDown(ctx, ev)
}

func (d *Discard) drop(p float64) bool {
	if p <= 0 {
		return false
	}
	d.rngLk.Lock()
	defer d.rngLk.Unlock()
	return d.rng.Float64() < p
}

// Dropped returns how many messages were dropped in each direction.
func (d *Discard) Dropped() (up, down int64) {
	return d.upDrops.Load(), d.dnDrops.Load()
}

func (d *Discard) ResetStats() {
	d.upDrops.Store(0)
	d.dnDrops.Store(0)
}

func (d *Discard) String() string {
	up, down := d.Dropped()
	return fmt.Sprintf("%s dropped_up=%d dropped_down=%d", DiscardName, up, down)
}
