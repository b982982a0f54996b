package canbus

import (
	"fmt"
	"sync/atomic"
)

type Stats struct {
	Sent     uint64
	Received uint64
	Filtered uint64 // dropped by the software filter
	Errors   uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("sent: %d recv: %d filtered: %d errors: %d", st.Sent, st.Received, st.Filtered, st.Errors)
}

type counters struct {
	sent, received, filtered, errors atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Filtered: c.filtered.Load(),
		Errors:   c.errors.Load(),
	}
}
