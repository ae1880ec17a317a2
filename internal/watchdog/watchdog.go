// Package watchdog exits the process when the local broker goes silent
// for too long, so the supervisor can restart a wedged client.
package watchdog

import (
	"os"
	"time"

	"github.com/agrisense/edgesync/internal/edgesync"
)

type Watchdog struct {
	killAfterSilence time.Duration
	keepAlive        chan struct{}
	done             chan struct{}
}

func New(killAfterSilence time.Duration) *Watchdog {
	w := &Watchdog{
		killAfterSilence: killAfterSilence,
		keepAlive:        make(chan struct{}),
		done:             make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Watchdog) Receive(msg edgesync.Message) {
	select {
	case w.keepAlive <- struct{}{}:
	default:
		// ignore if nobody is listening, can happen when the watchdog
		// was stopped (there is no way to unsubscribe).
	}
}

func (w *Watchdog) Stop() {
	w.done <- struct{}{}
}

func (w *Watchdog) run() {
	t := time.NewTicker(10 * time.Second)
	lastKeepAlive := time.Now()
	for {
		select {
		case <-t.C:
			if time.Since(lastKeepAlive) > w.killAfterSilence {
				os.Exit(42)
			}
		case <-w.keepAlive:
			lastKeepAlive = time.Now()
		case <-w.done:
			t.Stop()
			return
		}
	}
}
