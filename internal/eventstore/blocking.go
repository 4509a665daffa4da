package eventstore

import (
	"time"
)

// WaitForAppend blocks until the account receives an append or timeout
// elapses. It returns true if woken by an append.
func (s *Store) WaitForAppend(account string, timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.state(account).notifyCh
	s.mu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
