package endpoint

import (
	"fmt"
	"time"

	"github.com/kuuji/carrier/internal/control"
)

// Snapshot reports this endpoint's current state for the control server's
// /status endpoint. shadow is passed in by the caller since the endpoint
// itself only learns it at Publish time, not at construction.
func (e *Endpoint) Snapshot(identity string, shadow string, startedAt time.Time) control.Status {
	channels := make([]control.ChannelStatus, 0, len(e.channels))
	for route, ch := range e.channels {
		cs := control.ChannelStatus{
			Identity:    ch.identity.String(),
			Route:       fmt.Sprintf("%d", route),
			Established: ch.addrs.Established(),
			Streams:     len(ch.streams),
		}
		if ch.addrs.Established() {
			chosen := ch.addrs.Chosen()
			cs.ChosenAddr = chosen.String()
			if cat, ok := ch.addrs.ChosenCategory(); ok {
				cs.Category = cat.String()
			}
		} else {
			for _, c := range ch.addrs.Candidates() {
				cs.Candidates = append(cs.Candidates, c.String())
			}
		}
		channels = append(channels, cs)
	}

	return control.Status{
		Identity:      identity,
		Shadow:        shadow,
		UptimeSeconds: time.Since(startedAt).Seconds(),
		Channels:      channels,
	}
}
