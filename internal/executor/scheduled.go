package executor

import (
	"sync"
	"time"
)

// Scheduled runs delayed and periodic tasks, each alarm on its own timer.
type Scheduled struct {
	mu       sync.Mutex
	alarms   map[*Alarm]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

func NewScheduled() *Scheduled {
	return &Scheduled{alarms: make(map[*Alarm]struct{})}
}

type Alarm struct {
	owner *Scheduled
	stop  chan struct{}
	once  sync.Once
}

// Cancel stops the alarm. It reports whether this call cancelled it.
func (a *Alarm) Cancel() (cancelled bool) {
	if a == nil {
		return false
	}
	a.once.Do(func() {
		close(a.stop)
		cancelled = true
	})
	return
}

// Schedule runs task once after delay. It returns nil after Shutdown.
func (s *Scheduled) Schedule(task func(), delay time.Duration) *Alarm {
	return s.start(func(a *Alarm) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-a.stop:
		case <-t.C:
			task()
		}
	})
}

// SchedulePeriodic runs task every interval until the alarm is cancelled.
func (s *Scheduled) SchedulePeriodic(task func(), interval time.Duration) *Alarm {
	return s.start(func(a *Alarm) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-t.C:
				task()
			}
		}
	})
}

func (s *Scheduled) start(loop func(a *Alarm)) *Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	a := &Alarm{owner: s, stop: make(chan struct{})}
	s.alarms[a] = struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(a)
		loop(a)
	}()
	return a
}

func (s *Scheduled) forget(a *Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, a)
}

// Shutdown cancels every alarm and waits for running tasks to return.
func (s *Scheduled) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	alarms := make([]*Alarm, 0, len(s.alarms))
	for a := range s.alarms {
		alarms = append(alarms, a)
	}
	s.mu.Unlock()

	for _, a := range alarms {
		a.Cancel()
	}
	s.wg.Wait()
}
