// Package spin implements the busy-wait loops used by device kernels.
//
// Kernels never yield to other work while waiting: a wait either observes its
// condition or keeps polling. The only thing a host can attach is a Watchdog,
// which is told about long waits but does not change their semantics.
package spin

import (
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// checkEvery is how many polls happen between clock reads.
const checkEvery = 1024

// Stall describes a wait that has been spinning for at least Watchdog.After.
type Stall struct {
	Site   string
	Spins  uint64
	Waited time.Duration
}

// Watchdog observes waits that exceed a threshold. OnStall is called once per
// elapsed threshold for as long as the wait keeps spinning. A hook that panics
// aborts the waiting kernel; the program executor turns that into an error.
type Watchdog struct {
	After   time.Duration
	OnStall func(Stall)
}

// PanicOnStall returns a watchdog that aborts any wait longer than d.
// Tests use it to turn a hang into a failure.
func PanicOnStall(d time.Duration) *Watchdog {
	return &Watchdog{
		After: d,
		OnStall: func(s Stall) {
			panic(&StallError{Stall: s})
		},
	}
}

// StallError is the panic value raised by PanicOnStall.
type StallError struct {
	Stall Stall
}

func (e *StallError) Error() string {
	return "spin: " + e.Stall.Site + " did not complete within " + e.Stall.Waited.String()
}

// Until polls cond until it returns true. A nil watchdog disables stall
// reporting entirely.
func Until(w *Watchdog, site string, cond func() bool) {
	if cond() {
		return
	}

	var (
		spins uint64
		start time.Time
		next  time.Duration
	)
	if w != nil && w.After > 0 {
		start = time.Now()
		next = w.After
	}

	for !cond() {
		spins++
		// Cores are goroutines here; give the scheduler a chance so peers
		// sharing a thread can make the progress we are waiting for.
		runtime.Gosched()

		if next == 0 || spins%checkEvery != 0 {
			continue
		}
		waited := time.Since(start)
		if waited < next {
			continue
		}
		next += w.After
		stall := Stall{Site: site, Spins: spins, Waited: waited}
		stallsTotal.WithLabelValues(site).Inc()
		if w.OnStall != nil {
			w.OnStall(stall)
		} else {
			log.Warn().Str("site", site).Uint64("spins", spins).Dur("waited", waited).Msg("Spin wait stalled")
		}
	}
}
