package stream

import (
	"time"

	"github.com/rubiojr/chainstream/pkg/transport"
)

// parking holds notifications whose handle is unknown while an
// eth_subscribe is in flight. Order of arrival is kept.
type parking struct {
	max   int
	ttl   time.Duration
	notes []transport.Notification
}

func newParking(max int, ttl time.Duration) *parking {
	return &parking{max: max, ttl: ttl}
}

// park holds n and reports false when the lot is full.
func (p *parking) park(n transport.Notification) bool {
	if len(p.notes) >= p.max {
		return false
	}
	p.notes = append(p.notes, n)
	return true
}

// take empties the lot. Notifications parked longer than the ttl are
// returned apart, as expired.
func (p *parking) take(now time.Time) (live, expired []transport.Notification) {
	for _, n := range p.notes {
		if p.ttl > 0 && !n.ReceivedAt.IsZero() && now.Sub(n.ReceivedAt) > p.ttl {
			expired = append(expired, n)
			continue
		}
		live = append(live, n)
	}
	p.notes = nil
	return live, expired
}

func (p *parking) len() int {
	return len(p.notes)
}
