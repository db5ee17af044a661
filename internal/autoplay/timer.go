package autoplay

import (
	"time"

	"github.com/rs/zerolog/log"

	"parlor/internal/session"
)

// Firer applies the substituted default action for an unreachable seat. The
// game hub implements it; the call goes through the same lock-protected
// action path a real client action uses.
type Firer interface {
	FireAutoplay(roomID, userID string)
}

// Scheduler arms per-seat idle timers. Timers are registered through the
// session registry, so session teardown force-disarms every armed seat with
// no extra bookkeeping here.
type Scheduler struct {
	registry *session.Registry
	timeout  time.Duration
	firer    Firer
}

func NewScheduler(registry *session.Registry, timeout time.Duration, firer Firer) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{registry: registry, timeout: timeout, firer: firer}
}

func timerKey(userID string) string {
	return "autoplay:" + userID
}

// Arm starts the seat's idle timer. Called whenever it becomes the seat's
// turn and the seat's connection is not present. Re-arming resets the timer.
func (s *Scheduler) Arm(roomID, userID string) bool {
	ok := s.registry.RegisterTimer(roomID, timerKey(userID), s.timeout, func() {
		log.Info().Str("room_id", roomID).Str("user_id", userID).
			Dur("timeout", s.timeout).Msg("autoplay firing for unreachable seat")
		s.firer.FireAutoplay(roomID, userID)
	})
	if ok {
		log.Debug().Str("room_id", roomID).Str("user_id", userID).Msg("autoplay armed")
	}
	return ok
}

// Disarm cancels the seat's timer. Called when the seat acts, reconnects, or
// the session ends.
func (s *Scheduler) Disarm(roomID, userID string) {
	s.registry.ClearTimer(roomID, timerKey(userID))
}

// DisarmRoom force-disarms every armed seat for the room. Settlement and
// abort call it regardless of cause so a stale timer can never fire against
// a torn-down session.
func (s *Scheduler) DisarmRoom(roomID string) {
	s.registry.ClearAllTimers(roomID)
}
