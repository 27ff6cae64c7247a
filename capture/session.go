package capture

import (
	"time"

	"github.com/casualjim/wastewatch/pkg/uuidx"
)

// Session groups the exchanges captured while the user stays on one
// conversation. A session ends after an idle gap; a hard navigation creates a
// new engine and with it a new session.
type Session struct {
	ID           string
	StartedAt    time.Time
	LastActivity time.Time
}

func newSession(now time.Time) Session {
	return Session{ID: uuidx.NewString(), StartedAt: now, LastActivity: now}
}

// touch records activity and starts a new session when the idle gap was
// exceeded. It reports whether the session was renewed.
func (s *Session) touch(now time.Time, idleGap time.Duration) bool {
	if idleGap > 0 && now.Sub(s.LastActivity) >= idleGap {
		*s = newSession(now)
		return true
	}
	s.LastActivity = now
	return false
}
