// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package supervisor provides an OTP-style supervisor for the background
// workers of a node: the cluster server, discovery refresh, retained message
// cleanup and the HTTP endpoints.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/emqx-core/pkg/actor"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"go.uber.org/zap"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return fmt.Sprintf("strategy(%d)", int(r))
	}
}

const defaultBackoff = time.Second

// Spec describes a child process managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging and metrics.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// Backoff is the delay before a restart. Zero means one second.
	Backoff time.Duration
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
	// Wait blocks until every supervised child has stopped for good.
	Wait()
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child process terminates, only that process is restarted.
type OneForOneSupervisor struct {
	wg  sync.WaitGroup
	log *zap.Logger
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor() *OneForOneSupervisor {
	return &OneForOneSupervisor{log: logger.Named("supervisor")}
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(childCtx, cancel, spec)
	}()
}

// Wait blocks until all children have returned without being restarted.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild is the internal loop that monitors a single child actor.
// It handles actor termination, panics, and restart logic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()
	log := s.log.With(zap.String("worker", spec.ID))

	backoff := spec.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	for {
		var err error
		func() {
			// Recover from panics within the child actor.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
				}
			}()
			log.Debug("Starting worker")
			err = spec.Actor.Start(ctx)
		}()

		log.Info("Worker terminated", zap.Error(err))

		// If the supervisor's context is done, do not restart.
		if ctx.Err() != nil {
			log.Debug("Supervisor context is done, not restarting worker")
			return
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}

		if !shouldRestart {
			log.Info("Worker will not be restarted", zap.Stringer("strategy", spec.Restart))
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Warn("Restarting worker", zap.Duration("backoff", backoff))

		// A small delay to prevent rapid-fire restarts in case of persistent issues.
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
