package turn

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/courier/internal/turnctx"
	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// typingTimer emits a typing activity on an interval until stopped (spec
// §4.2 step 2). Restarting an already-running timer is a no-op, and stop
// is idempotent so it is safe to call from the dispatcher's deferred
// cleanup and from the timer-stopping adapter decorator both.
//
// Grounded on the reference implementation's Listener.pingLoop
// (internal/channels/zalo/personal/protocol/listener_handlers.go): a
// time.NewTicker select-loop cancelled by a context, generalized from
// "keep a websocket alive" to "keep a typing indicator alive".
type typingTimer struct {
	// adapter is the undecorated adapter typing pings are sent through.
	// It is captured separately from tc.Adapter because the dispatcher
	// wraps tc.Adapter in a timerStoppingAdapter that calls Stop on every
	// send — routing the ticker's own sends through that wrapper would
	// have the timer trying to stop itself from inside its own loop.
	adapter  turnctx.Adapter
	tc       *turnctx.Context
	act      activity.Activity
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newTypingTimer(adapter turnctx.Adapter, tc *turnctx.Context, act activity.Activity, interval time.Duration) *typingTimer {
	return &typingTimer{adapter: adapter, tc: tc, act: act, interval: interval}
}

// Start begins emitting typing activities every interval. A second call
// while already running is a no-op.
func (t *typingTimer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	go t.loop(loopCtx)
}

func (t *typingTimer) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			typingAct := t.act.Reply(activity.TypeTyping)
			_, _ = t.adapter.SendActivities(ctx, t.tc, []activity.Activity{typingAct})
		}
	}
}

// Stop ends the timer, blocking until the background goroutine has
// exited. Calling Stop when the timer was never started, or more than
// once, is a no-op.
func (t *typingTimer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	<-done
}

// timerStoppingAdapter decorates an Adapter so the typing timer stops the
// instant the handler sends its own outbound activity (spec §4.2 step 2:
// "until any outbound activity is sent or the turn ends").
type timerStoppingAdapter struct {
	turnctx.Adapter
	timer *typingTimer
}

func (a *timerStoppingAdapter) SendActivities(ctx context.Context, tc *turnctx.Context, activities []activity.Activity) ([]turnctx.ResourceResponse, error) {
	a.timer.Stop()
	return a.Adapter.SendActivities(ctx, tc, activities)
}
