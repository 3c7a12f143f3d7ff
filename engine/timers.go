package engine

import (
	"sync"
	"time"
)

// timerService schedules in-process wake-ups for durable timers. The
// TimerScheduled events in the store are authoritative; this is only the
// wall-clock trigger and is rebuilt from PendingTimers after a restart.
type timerService struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   func(sagaID, commandID string)
}

func newTimerService(fire func(sagaID, commandID string)) *timerService {
	return &timerService{
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

func timerKey(sagaID, commandID string) string {
	return sagaID + "/" + commandID
}

// Register arms a timer. Registering an already armed timer is a no-op, so
// reconciliation passes can call it repeatedly.
func (s *timerService) Register(sagaID, commandID string, fireAt time.Time) {
	key := timerKey(sagaID, commandID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[key]; ok {
		return
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		s.fire(sagaID, commandID)
	})
}

// Stop disarms all timers
func (s *timerService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
