package promotion

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/metrics"
)

// DefaultTimeout bounds each sink delivery.
const DefaultTimeout = 5 * time.Second

// Dispatcher fans a crossing out to every sink in parallel.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration

	sequenceNo   uint64
	sequenceNoMu sync.Mutex
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{sinks: sinks, timeout: timeout}
}

// Sinks returns the names of the registered sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

func (d *Dispatcher) nextSequenceNo() uint64 {
	d.sequenceNoMu.Lock()
	defer d.sequenceNoMu.Unlock()
	d.sequenceNo++
	return d.sequenceNo
}

// Promote delivers c to every sink. A slow or failing sink does not hold back
// the others; failures are combined into the returned error.
func (d *Dispatcher) Promote(ctx context.Context, c play.Crossing) error {
	ctx = withSequenceNo(context.WithoutCancel(ctx), d.nextSequenceNo())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sink := range d.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			err := d.deliver(ctx, s, c)
			metrics.RecordPromotion(s.Name(), err)
			if err != nil {
				mu.Lock()
				errs = append(errs, errors.Wrapf(err, "sink %s", s.Name()))
				mu.Unlock()
			}
		}(sink)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, c play.Crossing) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.OnThresholdCrossed(ctx, c)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "delivery timed out after %s", d.timeout)
	}
}

// Close releases sinks that hold connections.
func (d *Dispatcher) Close() error {
	var errs error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				zlog.Warn().Err(err).Msgf("failed to close sink %s", s.Name())
				errs = errors.CombineErrors(errs, err)
			}
		}
	}
	return errs
}
