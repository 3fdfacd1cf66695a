package engine

import (
	"time"

	"github.com/blockberries/streamberry/logging"
)

// tickTockBufferSize is small enough to apply backpressure but large
// enough to absorb a burst of reschedules.
const tickTockBufferSize = 10

// TimeoutInfo describes a scheduled or expired timeout.
type TimeoutInfo struct {
	Duration time.Duration
	Height   uint64
	Round    uint32
	Step     Step
}

// TimeoutTicker schedules step timeouts and delivers expiries. Only the
// most recently scheduled timeout is live: scheduling a new one cancels
// any pending one, and stale ticks for earlier heights, rounds or steps
// are dropped.
type TimeoutTicker interface {
	Start() error
	Stop()
	Chan() <-chan TimeoutInfo
	ScheduleTimeout(ti TimeoutInfo)
}

type timeoutTicker struct {
	timer    *time.Timer
	tickChan chan TimeoutInfo
	tockChan chan TimeoutInfo
	quit     chan struct{}
	done     chan struct{}
	logger   *logging.Logger
}

// NewTimeoutTicker returns an unstarted TimeoutTicker.
func NewTimeoutTicker(logger *logging.Logger) TimeoutTicker {
	tt := &timeoutTicker{
		timer:    time.NewTimer(0),
		tickChan: make(chan TimeoutInfo, tickTockBufferSize),
		tockChan: make(chan TimeoutInfo, tickTockBufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.WithComponent("timeout"),
	}
	tt.stopTimer()
	return tt
}

func (t *timeoutTicker) Start() error {
	go t.timeoutRoutine()
	return nil
}

func (t *timeoutTicker) Stop() {
	close(t.quit)
	<-t.done
}

func (t *timeoutTicker) Chan() <-chan TimeoutInfo {
	return t.tockChan
}

// ScheduleTimeout schedules a new timeout, replacing any pending one.
func (t *timeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	select {
	case t.tickChan <- ti:
	case <-t.quit:
	}
}

func (t *timeoutTicker) stopTimer() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// timeoutRoutine arms the timer on ticks and relays expiries as tocks.
// A tick for an older (height, round, step) than the live one is ignored.
func (t *timeoutTicker) timeoutRoutine() {
	defer close(t.done)

	var ti TimeoutInfo
	for {
		select {
		case newti := <-t.tickChan:
			if newti.Height < ti.Height {
				continue
			} else if newti.Height == ti.Height {
				if newti.Round < ti.Round {
					continue
				} else if newti.Round == ti.Round {
					if ti.Step > 0 && newti.Step <= ti.Step {
						continue
					}
				}
			}

			t.stopTimer()

			ti = newti
			t.timer.Reset(ti.Duration)
			t.logger.Debug("scheduled timeout", logging.Duration(ti.Duration),
				logging.Height(ti.Height), logging.Round(ti.Round), logging.Step(ti.Step.String()))

		case <-t.timer.C:
			t.logger.Debug("timed out", logging.Duration(ti.Duration),
				logging.Height(ti.Height), logging.Round(ti.Round), logging.Step(ti.Step.String()))
			// Relay on a separate goroutine so a slow consumer cannot
			// deadlock a concurrent ScheduleTimeout.
			go func(toi TimeoutInfo) {
				select {
				case t.tockChan <- toi:
				case <-t.quit:
				}
			}(ti)

		case <-t.quit:
			t.stopTimer()
			return
		}
	}
}
