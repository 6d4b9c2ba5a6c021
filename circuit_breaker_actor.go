package tangguh

import (
	"context"
	"sync"
	"time"
)

// ActorCircuitBreaker is the cooperative-mode breaker: all state changes
// are serialized through a single goroutine instead of a mutex, so no
// caller ever blocks on a lock while another is mid-transition, and
// callers waiting for admission can give up via their context. The state
// machine itself is the same breakerCore the blocking variant uses.
//
// Close releases the serving goroutine; a closed breaker fails open
// (denies calls) rather than panicking.
type ActorCircuitBreaker struct {
	config CircuitBreakerConfig

	cmds chan func(*breakerCore)
	done chan struct{}

	closeOnce sync.Once
}

// NewActorCircuitBreaker creates a breaker serialized through its own
// goroutine. Zero-valued thresholds in config fall back to the defaults.
func NewActorCircuitBreaker(config CircuitBreakerConfig) *ActorCircuitBreaker {
	applyBreakerDefaults(&config)
	ab := &ActorCircuitBreaker{
		config: config,
		cmds:   make(chan func(*breakerCore)),
		done:   make(chan struct{}),
	}
	if config.Enabled {
		go ab.run()
	}
	return ab
}

// run is the serving loop. It owns the breakerCore exclusively; commands
// are closures applied in arrival order.
func (ab *ActorCircuitBreaker) run() {
	core := newBreakerCore(ab.config)
	for {
		select {
		case cmd := <-ab.cmds:
			cmd(&core)
		case <-ab.done:
			return
		}
	}
}

// submit runs fn on the serving goroutine, honoring ctx while waiting for
// a turn. Returns false if the breaker is closed or ctx expired first.
func (ab *ActorCircuitBreaker) submit(ctx context.Context, fn func(*breakerCore)) bool {
	select {
	case ab.cmds <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-ab.done:
		return false
	}
}

// Allow implements Breaker.
func (ab *ActorCircuitBreaker) Allow(ctx context.Context) bool {
	if !ab.config.Enabled {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	reply := make(chan bool, 1)
	submitted := ab.submit(ctx, func(core *breakerCore) {
		ok, from, to := core.canExecute(time.Now())
		ab.notify(from, to)
		reply <- ok
	})
	if !submitted {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		// The command may still run and reserve a half-open slot for a
		// caller that is no longer here. Hand the slot back so the probe
		// budget cannot wedge.
		go func() {
			select {
			case ok := <-reply:
				if ok {
					ab.submit(context.Background(), func(core *breakerCore) {
						core.releaseHalfOpenSlot()
					})
				}
			case <-ab.done:
			}
		}()
		return false
	}
}

// RecordSuccess implements Breaker.
func (ab *ActorCircuitBreaker) RecordSuccess() {
	if !ab.config.Enabled {
		return
	}
	ab.submit(context.Background(), func(core *breakerCore) {
		from, to := core.recordSuccess()
		ab.notify(from, to)
	})
}

// RecordFailure implements Breaker.
func (ab *ActorCircuitBreaker) RecordFailure(err error) {
	if !ab.config.Enabled {
		return
	}
	ab.submit(context.Background(), func(core *breakerCore) {
		if core.excludes(err) {
			return
		}
		from, to := core.recordFailure(time.Now())
		ab.notify(from, to)
	})
}

// State implements Breaker.
func (ab *ActorCircuitBreaker) State() CircuitState {
	if !ab.config.Enabled {
		return StateClosed
	}
	reply := make(chan CircuitState, 1)
	if !ab.submit(context.Background(), func(core *breakerCore) {
		core.checkTransition(time.Now())
		reply <- core.state
	}) {
		return StateOpen
	}
	return <-reply
}

// Reset implements Breaker.
func (ab *ActorCircuitBreaker) Reset() {
	if !ab.config.Enabled {
		return
	}
	ab.submit(context.Background(), func(core *breakerCore) {
		from := core.state
		core.reset()
		ab.notify(from, StateClosed)
	})
}

// Stats returns a snapshot of the breaker counters.
func (ab *ActorCircuitBreaker) Stats() BreakerStats {
	if !ab.config.Enabled {
		return BreakerStats{State: StateClosed}
	}
	reply := make(chan BreakerStats, 1)
	if !ab.submit(context.Background(), func(core *breakerCore) {
		core.checkTransition(time.Now())
		reply <- core.stats()
	}) {
		return BreakerStats{State: StateOpen, Enabled: true}
	}
	return <-reply
}

// Close stops the serving goroutine. Safe to call multiple times.
func (ab *ActorCircuitBreaker) Close() {
	ab.closeOnce.Do(func() { close(ab.done) })
}

func (ab *ActorCircuitBreaker) notify(from, to CircuitState) {
	if from != to && ab.config.OnStateChange != nil {
		// The callback runs on the serving goroutine; keep it short.
		ab.config.OnStateChange(from, to)
	}
}
