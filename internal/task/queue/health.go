package queue

import (
	"fmt"

	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

// SetHealthState maps the platform health signal onto pause/resume.
//
// Only an error pauses the queue. A bare disconnect is ignored because it is
// usually followed by an automatic reconnect; reconnecting, resumed and
// ready all resume.
func (q *Queue) SetHealthState(state transport.HealthState) error {
	switch state {
	case transport.HealthError:
		q.Pause()
	case transport.HealthReady, transport.HealthResumed, transport.HealthReconnecting:
		q.Resume()
	case transport.HealthDisconnected:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownHealthState, string(state))
	}
	q.log.Debug("health state applied", logx.String("state", string(state)))
	return nil
}
