package protocols

import (
	"context"
	"log/slog"
	"sync"

	"github.com/raskyld/grupo/pkg/stack"
)

const ViewEnforcerName = "VIEW_ENFORCER"

var MetricViewEnforcerDropCount = []string{"grupo", "view_enforcer", "drop", "count"}

// ViewEnforcer drops inbound messages until the local member is part of
// a view. Views which do not contain the local member are not passed up
// either.
type ViewEnforcer struct {
	stack.Base

	cfg    config
	logger *slog.Logger

	lk       sync.Mutex
	local    stack.Address
	isMember bool
}

func NewViewEnforcer(opts ...Option) (*ViewEnforcer, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return &ViewEnforcer{
		cfg:    cfg,
		logger: slog.New(cfg.logHandler).With("protocol", ViewEnforcerName),
	}, nil
}

func (v *ViewEnforcer) Name() string {
	return ViewEnforcerName
}

func (v *ViewEnforcer) Up(ctx context.Context, ev stack.Event) error {
	switch ev.Type {
	case stack.EventSetLocalAddress:
		v.lk.Lock()
		v.local = ev.Addr
		v.lk.Unlock()
	case stack.EventViewChange:
		if !v.admit(ev.View) {
			return nil
		}
	case stack.EventMsg:
		if !v.IsMember() {
			v.logger.Info("dropping message received before joining", "msg", ev.Msg)
			v.cfg.msink.IncrCounterWithLabels(MetricViewEnforcerDropCount, 1, v.cfg.metricLabels)
			return nil
		}
	}
	return v.PassUp(ctx, ev)
}

func (v *ViewEnforcer) Down(ctx context.Context, ev stack.Event) error {
	return v.PassDown(ctx, ev)
}

// admit reports whether view must be passed up, and records membership.
func (v *ViewEnforcer) admit(view *stack.View) bool {
	v.lk.Lock()
	defer v.lk.Unlock()
	if v.isMember || view == nil || view.Size() == 0 {
		return true
	}
	if v.local.IsMulticast() {
		v.logger.Error("local address unknown, cannot check membership: discarding view",
			"view", view.String())
		return false
	}
	if !view.Contains(v.local) {
		return false
	}
	v.isMember = true
	return true
}

func (v *ViewEnforcer) IsMember() bool {
	v.lk.Lock()
	defer v.lk.Unlock()
	return v.isMember
}
