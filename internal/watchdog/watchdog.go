// Package watchdog is a liveness monitor for the client and server
// dispatch loops, adapted from the teacher's deadlock-detecting
// mtypes.CriticalLogger: each dispatcher calls Touch once per handled
// event, and if too long passes without a Touch the process is assumed
// wedged and exits so a process supervisor restarts it. The original's
// stdlib *log.Logger is replaced with logrus, matching this repo's
// ambient logging choice everywhere else.
package watchdog

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

func defaultExit() { os.Exit(1) }

// Watchdog tracks the time of the last Touch call and exits the process
// if more than Timeout elapses without one.
type Watchdog struct {
	log *logrus.Logger

	mu           sync.Mutex
	lastActivity time.Time
	timeout      time.Duration
	stopped      bool

	ctx    context.Context
	cancel context.CancelFunc

	exit func() // overridable in tests; defaults to os.Exit(1)
}

// New starts a watchdog with the given idle timeout. Touch must be
// called regularly by the monitored loop; Stop must be called on clean
// shutdown to stop the background monitor goroutine.
func New(log *logrus.Logger, timeout time.Duration) *Watchdog {
	return newWithExit(log, timeout, defaultExit)
}

// newWithExit lets tests substitute exit for os.Exit; the field is fixed
// for the Watchdog's lifetime so the monitor goroutine never races with
// a caller mutating it after New returns.
func newWithExit(log *logrus.Logger, timeout time.Duration, exit func()) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watchdog{
		log:          log,
		lastActivity: time.Now(),
		timeout:      timeout,
		ctx:          ctx,
		cancel:       cancel,
		exit:         exit,
	}
	go w.monitor()
	return w
}

// Touch records activity, resetting the idle timer.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = time.Now()
}

// Stop cancels the background monitor. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		w.cancel()
	}
}

func (w *Watchdog) monitor() {
	ticker := time.NewTicker(w.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			idle := time.Since(w.lastActivity)
			w.mu.Unlock()
			if idle > w.timeout {
				w.log.WithField("idle", idle).Error("dispatch loop appears wedged, exiting for supervisor restart")
				w.exit()
				return
			}
		}
	}
}
