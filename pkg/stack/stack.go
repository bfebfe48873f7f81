package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Stack chains layers, from the top (closest to the application) to the
// bottom (closest to the network).
type Stack struct {
	layers []Layer
	logger *slog.Logger

	lk      sync.Mutex
	started bool
}

// New wires layers together. Events leaving the top layer are handed to
// app, which may be nil to discard them. Messages leaving the bottom layer
// fail with `ErrNoTransport`, other events are dropped there.
func New(logger *slog.Logger, app Upper, layers ...Layer) (*Stack, error) {
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	if logger == nil {
		logger = slog.Default()
	}
	if app == nil {
		app = UpperFunc(func(context.Context, Event) error { return nil })
	}

	names := make(map[string]struct{}, len(layers))
	for _, layer := range layers {
		if _, dup := names[layer.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLayer, layer.Name())
		}
		names[layer.Name()] = struct{}{}
	}

	s := &Stack{
		layers: layers,
		logger: logger,
	}

	for i, layer := range layers {
		var above Upper = app
		if i > 0 {
			above = layers[i-1]
		}
		var below Lower = LowerFunc(s.sink)
		if i < len(layers)-1 {
			below = layers[i+1]
		}
		layer.Init(above, below)
	}

	return s, nil
}

func (s *Stack) sink(_ context.Context, ev Event) error {
	if ev.Type == EventMsg {
		return ErrNoTransport
	}
	s.logger.Debug("event dropped at the bottom of the stack", "event", ev)
	return nil
}

// Start starts the layers from the bottom up. If a layer fails, the
// layers already started are stopped.
func (s *Stack) Start() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.started {
		return nil
	}

	for i := len(s.layers) - 1; i >= 0; i-- {
		starter, ok := s.layers[i].(Starter)
		if !ok {
			continue
		}
		if err := starter.Start(); err != nil {
			for j := i + 1; j < len(s.layers); j++ {
				if stopper, ok := s.layers[j].(Stopper); ok {
					stopper.Stop()
				}
			}
			return fmt.Errorf("stack: starting %s: %w", s.layers[i].Name(), err)
		}
	}
	s.started = true
	return nil
}

// Stop stops the layers from the top down.
func (s *Stack) Stop() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !s.started {
		return
	}
	s.started = false
	for _, layer := range s.layers {
		if stopper, ok := layer.(Stopper); ok {
			stopper.Stop()
		}
	}
}

// Down injects an event at the top of the stack.
func (s *Stack) Down(ctx context.Context, ev Event) error {
	return s.layers[0].Down(ctx, ev)
}

// Up injects an event at the bottom of the stack.
func (s *Stack) Up(ctx context.Context, ev Event) error {
	return s.layers[len(s.layers)-1].Up(ctx, ev)
}

// Layer finds a layer by name.
func (s *Stack) Layer(name string) (Layer, bool) {
	for _, layer := range s.layers {
		if layer.Name() == name {
			return layer, true
		}
	}
	return nil, false
}

// Names lists the layer names from the top to the bottom.
func (s *Stack) Names() []string {
	names := make([]string, len(s.layers))
	for i, layer := range s.layers {
		names[i] = layer.Name()
	}
	return names
}
