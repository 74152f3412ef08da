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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/turtacn/emqx-core/pkg/actor"
)

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := NewOneForOneSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Bool
	spec := Spec{
		ID: "test-actor",
		Actor: actor.Func(func(ctx context.Context) error {
			started.Store(true)
			<-ctx.Done()
			return nil
		}),
		Restart: RestartPermanent,
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	assert.Eventually(t, started.Load, time.Second, 10*time.Millisecond)

	cancel()

	done := make(chan struct{})
	go func() { sup.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_OneForOne_PermanentRestart(t *testing.T) {
	sup := NewOneForOneSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var restartCount atomic.Int32
	spec := Spec{
		ID: "actor-to-restart",
		Actor: actor.Func(func(ctx context.Context) error {
			restartCount.Add(1)
			// Simulate an immediate crash
			return errors.New("i have failed")
		}),
		Restart: RestartPermanent,
		Backoff: 10 * time.Millisecond,
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	sup.Wait()

	assert.Greater(t, restartCount.Load(), int32(1), "Actor should have been restarted")
}

func TestSupervisor_OneForOne_PanicRestart(t *testing.T) {
	sup := NewOneForOneSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var startCount atomic.Int32
	spec := Spec{
		ID: "panicking-actor",
		Actor: actor.Func(func(ctx context.Context) error {
			startCount.Add(1)
			panic("something went horribly wrong")
		}),
		Restart: RestartPermanent,
		Backoff: 10 * time.Millisecond,
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	sup.Wait()

	assert.Greater(t, startCount.Load(), int32(1), "Actor should have panicked and been restarted by the supervisor")
}

func TestSupervisor_OneForOne_NoRestart(t *testing.T) {
	sup := NewOneForOneSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var startCount atomic.Int32
	spec := Spec{
		ID: "temp-actor",
		Actor: actor.Func(func(ctx context.Context) error {
			startCount.Add(1)
			return errors.New("failed")
		}),
		Restart: RestartTemporary,
		Backoff: 10 * time.Millisecond,
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	// Temporary children stop the supervisor's wait without a cancel.
	sup.Wait()

	assert.Equal(t, int32(1), startCount.Load(), "Temporary actor should only start once")
}

func TestSupervisor_Strategies(t *testing.T) {
	t.Run("start with no specs", func(t *testing.T) {
		sup := NewOneForOneSupervisor()
		err := sup.Start(context.Background(), []Spec{})
		assert.Error(t, err)
		assert.Equal(t, "no child specs provided", err.Error())
	})

	t.Run("transient restart on error", func(t *testing.T) {
		sup := NewOneForOneSupervisor()
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		var startCount atomic.Int32
		spec := Spec{
			ID: "transient-actor-fail",
			Actor: actor.Func(func(ctx context.Context) error {
				startCount.Add(1)
				return errors.New("i failed")
			}),
			Restart: RestartTransient,
			Backoff: 10 * time.Millisecond,
		}
		assert.NoError(t, sup.Start(ctx, []Spec{spec}))
		sup.Wait()
		assert.Greater(t, startCount.Load(), int32(1), "Transient actor should restart after failure")
	})

	t.Run("transient no restart on normal exit", func(t *testing.T) {
		sup := NewOneForOneSupervisor()
		var startCount atomic.Int32
		spec := Spec{
			ID: "transient-actor-ok",
			Actor: actor.Func(func(ctx context.Context) error {
				startCount.Add(1)
				return nil
			}),
			Restart: RestartTransient,
			Backoff: 10 * time.Millisecond,
		}
		assert.NoError(t, sup.Start(context.Background(), []Spec{spec}))
		sup.Wait()
		assert.Equal(t, int32(1), startCount.Load())
	})

	t.Run("strategy names", func(t *testing.T) {
		assert.Equal(t, "permanent", RestartPermanent.String())
		assert.Equal(t, "transient", RestartTransient.String())
		assert.Equal(t, "temporary", RestartTemporary.String())
	})
}
