package sched

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// defaultLoopInterval and defaultLoopJitter define the cadence
	// between region ticks. Jitter keeps multi-region processes from
	// hammering the store in lockstep.
	defaultLoopInterval = 30 * time.Second
	defaultLoopJitter   = 10 * time.Second
)

// Loop runs Tick for a set of regions at a jittered interval until
// stopped.
type Loop struct {
	sched    *Scheduler
	regions  []string
	interval time.Duration
	jitter   time.Duration

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop creates a run loop over the given region codes.
func NewLoop(sched *Scheduler, regions []string) *Loop {
	return &Loop{
		sched:    sched,
		regions:  regions,
		interval: defaultLoopInterval,
		jitter:   defaultLoopJitter,
		stopCh:   make(chan struct{}),
	}
}

// Start launches one goroutine per region.
func (l *Loop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	for _, code := range l.regions {
		l.wg.Add(1)
		go func(code string) {
			defer l.wg.Done()
			l.run(ctx, code)
		}(code)
	}
}

func (l *Loop) run(ctx context.Context, regionCode string) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := l.interval
		if l.jitter > 0 {
			interval += time.Duration(rand.Int64N(int64(l.jitter)))
		}

		timer.Reset(interval)
		select {
		case <-l.stopCh:
			return
		case <-timer.C:
		}

		if err := l.sched.Tick(ctx, regionCode); err != nil {
			log.Printf("[sched] tick failed region=%s: %v", regionCode, err)
		}
	}
}

// Stop halts the loops. In-flight ticks are cancelled via their
// context and joined before Stop returns.
func (l *Loop) Stop() {
	close(l.stopCh)
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}
