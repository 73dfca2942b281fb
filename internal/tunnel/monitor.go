package tunnel

import (
	"sync"
	"time"

	"github.com/openclaw/support-bridge/internal/config"
)

const minCheckInterval = 10 * time.Millisecond

// Monitor calls onTimeout once when lastActivity falls further behind than
// timeout. Stop and a timeout race safely: whichever happens first wins and
// the other becomes a no-op.
type Monitor struct {
	timeout      time.Duration
	lastActivity func() time.Time
	onTimeout    func()
	done         chan struct{}
	once         sync.Once
}

func StartMonitor(timeout time.Duration, lastActivity func() time.Time, onTimeout func()) *Monitor {
	m := &Monitor{
		timeout:      timeout,
		lastActivity: lastActivity,
		onTimeout:    onTimeout,
		done:         make(chan struct{}),
	}
	go m.run()
	return m
}

// Stop ends monitoring without firing. It does not wait for the goroutine,
// so it may be called from inside onTimeout.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *Monitor) run() {
	interval := m.timeout / config.HeartbeatCheckDivisor
	if interval < minCheckInterval {
		interval = minCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if time.Since(m.lastActivity()) <= m.timeout {
				continue
			}
			fired := false
			m.once.Do(func() {
				close(m.done)
				fired = true
			})
			if fired {
				m.onTimeout()
			}
			return
		}
	}
}
