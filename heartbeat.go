package libquassel

import (
	"time"
)

// heartbeat pings the core every interval. A core that stays silent for
// longer than timeout gets the session closed with ErrReconnectRequired.
func (s *Session) heartbeat(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.lastReply.Store(time.Now().UnixNano())
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			silent := now.Sub(time.Unix(0, s.lastReply.Load()))
			if timeout > 0 && silent > timeout {
				s.log.WarnCtx(s.ctx, "session: heartbeat timeout", "silent", silent.String())
				s.closeWith(ErrReconnectRequired)
				return
			}
			if err := s.send(RequestHeartBeat, HeartBeatMessage{Time: now}.List()); err != nil {
				s.log.DebugCtx(s.ctx, "session: heartbeat not sent", "err", err)
			}
		}
	}
}
