package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// PROBER - HTTP health probe as the reachability signal
// =============================================================================

// Prober polls a health URL. While online it probes every Interval; after a
// failure it retries on an exponential backoff capped at MaxInterval, and
// goes back to Interval once a probe succeeds.
type Prober struct {
	URL         string
	Interval    time.Duration
	MaxInterval time.Duration
	Client      *http.Client
	Log         logrus.FieldLogger

	// newBackOff is replaceable in tests.
	newBackOff func() backoff.BackOff
}

// NewProber creates a prober with the given steady-state interval.
func NewProber(url string, interval, maxInterval time.Duration, log logrus.FieldLogger) *Prober {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		URL:         url,
		Interval:    interval,
		MaxInterval: maxInterval,
		Client:      &http.Client{Timeout: 5 * time.Second},
		Log:         log.WithField("component", "prober"),
	}
}

// Probe performs one health check.
func (p *Prober) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

// Run probes immediately, then keeps m updated until ctx is cancelled.
func (p *Prober) Run(ctx context.Context, m *Monitor) {
	b := p.backOff()
	b.Reset()

	for {
		wait := p.Interval
		if err := p.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.Log.WithError(err).Debug("probe failed")
			m.Set(false)
			if wait = b.NextBackOff(); wait == backoff.Stop {
				wait = p.MaxInterval
			}
		} else {
			m.Set(true)
			b.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Prober) backOff() backoff.BackOff {
	if p.newBackOff != nil {
		return p.newBackOff()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Interval / 4
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0 // keep retrying while offline
	return eb
}
