package engine

import "sync/atomic"

// controller tracks the run's aggregate counts and owns the circuit
// breaker. All counters are atomics; the trip function is bound once per
// run before any task starts.
type controller struct {
	admitted         atomic.Int64
	succeeded        atomic.Int64
	failedValidation atomic.Int64
	failedTransport  atomic.Int64
	cancelled        atomic.Int64

	consecTransport atomic.Int64
	threshold       int64
	tripped         atomic.Bool
	trip            func()
}

func newController(threshold int) *controller {
	return &controller{threshold: int64(threshold)}
}

func (c *controller) bindTrip(cancel func()) {
	c.trip = cancel
}

func (c *controller) noteAdmitted() {
	c.admitted.Add(1)
}

// noteResult updates the counters for one terminal task and advances the
// breaker. A transport-class failure extends the consecutive-failure run; a
// success or validation failure proves the capability is reachable and
// resets it. Cancelled tasks are a consequence of cancellation, not
// evidence about the capability, so they leave the counter alone.
func (c *controller) noteResult(res Result) {
	switch {
	case res.Status == StatusSucceeded:
		c.succeeded.Add(1)
		c.consecTransport.Store(0)
	case res.ReasonClass == ReasonTransport:
		c.failedTransport.Add(1)
		if c.consecTransport.Add(1) >= c.threshold {
			if c.tripped.CompareAndSwap(false, true) && c.trip != nil {
				c.trip()
			}
		}
	case res.ReasonClass == ReasonCancelled:
		c.cancelled.Add(1)
	default:
		c.failedValidation.Add(1)
		c.consecTransport.Store(0)
	}
}

// Tripped reports whether the circuit breaker has fired.
func (c *controller) Tripped() bool {
	return c.tripped.Load()
}

// Summary is a point-in-time snapshot of the run's counters, served on the
// statz endpoint and logged at the end of a run.
type Summary struct {
	Admitted         int64 `json:"admitted"`
	Succeeded        int64 `json:"succeeded"`
	FailedValidation int64 `json:"failed_validation"`
	FailedTransport  int64 `json:"failed_transport"`
	Cancelled        int64 `json:"cancelled"`
	BreakerTripped   bool  `json:"breaker_tripped"`
}

func (c *controller) summary() Summary {
	return Summary{
		Admitted:         c.admitted.Load(),
		Succeeded:        c.succeeded.Load(),
		FailedValidation: c.failedValidation.Load(),
		FailedTransport:  c.failedTransport.Load(),
		Cancelled:        c.cancelled.Load(),
		BreakerTripped:   c.tripped.Load(),
	}
}
