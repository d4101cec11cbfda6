package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edforge/edforge/pkg/generation"
)

// ScriptedStep is one canned response of a ScriptedGenerator.
type ScriptedStep struct {
	Output *generation.Output
	Err    error

	// Delay holds the invocation open before responding, so tests can force
	// an attempt past its deadline.
	Delay time.Duration
}

// ScriptedGenerator replays canned outputs in order and records every request
// it receives. It fails loudly when invoked more times than it was scripted
// for, so tests catch unexpected retries.
type ScriptedGenerator struct {
	mu       sync.Mutex
	steps    []ScriptedStep
	requests []generation.Request
}

func NewScriptedGenerator(steps ...ScriptedStep) *ScriptedGenerator {
	return &ScriptedGenerator{steps: steps}
}

func (g *ScriptedGenerator) Invoke(ctx context.Context, req generation.Request) (*generation.Output, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)

	if len(g.steps) == 0 {
		g.mu.Unlock()

		return nil, fmt.Errorf("scripted generator exhausted: unexpected invocation %d for node %s", len(g.requests), req.NodeID)
	}

	step := g.steps[0]
	g.steps = g.steps[1:]
	g.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}

	if step.Err != nil {
		return nil, step.Err
	}

	return step.Output, nil
}

// Requests returns a copy of the requests received so far, in order.
func (g *ScriptedGenerator) Requests() []generation.Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	requests := make([]generation.Request, len(g.requests))
	copy(requests, g.requests)

	return requests
}
