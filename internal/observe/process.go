package observe

// Observation only. Nothing here signals or changes a process.

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Identity pins a pid to one process instance. The create time guards
// against the pid being reused after the original process is gone.
type Identity struct {
	PID        int32
	CreateTime int64 // milliseconds since epoch, 0 = unknown
}

// Lookup returns the identity of a live pid
func Lookup(ctx context.Context, pid int32) (Identity, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Identity{}, err
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return Identity{PID: pid}, nil
	}
	return Identity{PID: pid, CreateTime: created}, nil
}

// Alive reports whether the process is still running. Zombies and pids
// reused by a different process count as gone.
func Alive(ctx context.Context, id Identity) (bool, error) {
	if id.PID <= 0 {
		return false, nil
	}

	p, err := process.NewProcessWithContext(ctx, id.PID)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}

	if id.CreateTime != 0 {
		created, err := p.CreateTimeWithContext(ctx)
		if err == nil && created != id.CreateTime {
			return false, nil
		}
	}

	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// vanished between the two calls
		running, rerr := p.IsRunningWithContext(ctx)
		if rerr != nil {
			return false, nil
		}
		return running, nil
	}
	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}

// Watcher observes one process until it is gone
type Watcher struct {
	id        Identity
	interval  time.Duration
	startTime time.Time
}

// NewWatcher creates a watcher polling every interval
func NewWatcher(id Identity, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		id:        id,
		interval:  interval,
		startTime: time.Now(),
	}
}

// Wait blocks until the process is gone or ctx is done
func (w *Watcher) Wait(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		alive, err := Alive(ctx, w.id)
		if err == nil && !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Duration returns how long we've been observing
func (w *Watcher) Duration() time.Duration {
	return time.Since(w.startTime)
}
