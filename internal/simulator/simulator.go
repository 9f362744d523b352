// Package simulator owns the emulated sensor set: one double buffer per sensor
// group, the named accessors drivers poll, and the tick that publishes fresh
// samples into all of them.
package simulator

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-goes-sim/internal/doublebuf"
	"sleepywoodpecker/rp-goes-sim/internal/metrics"
	"sleepywoodpecker/rp-goes-sim/internal/record"
)

const (
	GroupAccel = "accel"
	GroupMPU   = "mpu"
	GroupBaro  = "baro"
)

const DefaultPeriod = 4 * time.Millisecond

type Options struct {
	// Readers is how many goroutines may poll each buffer at the same time.
	Readers   int
	ByteOrder record.ByteOrder
	Period    time.Duration
	// PublishTimeout bounds how long one tick waits for readers to drain.
	// Zero waits forever.
	PublishTimeout time.Duration
	Model          Model
	Logger         *zap.Logger
	Metrics        *metrics.Collector
}

type Simulator struct {
	accel *doublebuf.Buffer[record.Accel]
	mpu   *doublebuf.Buffer[record.MPU]
	baro  *doublebuf.Buffer[record.Baro]

	order   binary.ByteOrder
	period  time.Duration
	timeout time.Duration
	model   Model
	logger  *zap.Logger
	metrics *metrics.Collector
	start   time.Time
}

func New(opts Options) (*Simulator, error) {
	order, err := record.ParseByteOrder(string(opts.ByteOrder))
	if err != nil {
		return nil, err
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Model == nil {
		opts.Model = SmoothModel{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	accel, err := doublebuf.New[record.Accel](opts.Readers)
	if err != nil {
		return nil, fmt.Errorf("[simulator] accel buffer: %w", err)
	}
	mpu, err := doublebuf.New[record.MPU](opts.Readers)
	if err != nil {
		return nil, fmt.Errorf("[simulator] mpu buffer: %w", err)
	}
	baro, err := doublebuf.New[record.Baro](opts.Readers)
	if err != nil {
		return nil, fmt.Errorf("[simulator] baro buffer: %w", err)
	}

	return &Simulator{
		accel:   accel,
		mpu:     mpu,
		baro:    baro,
		order:   order.Binary(),
		period:  opts.Period,
		timeout: opts.PublishTimeout,
		model:   opts.Model,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		start:   time.Now(),
	}, nil
}

func (s *Simulator) Readers() int { return s.accel.Readers() }

// ByteOrder is the order the 16-bit record fields are encoded with.
func (s *Simulator) ByteOrder() binary.ByteOrder { return s.order }

// FetchAccel copies the latest accelerometer record into buf. It returns false
// and leaves buf alone if len(buf) != record.AccelSize.
func (s *Simulator) FetchAccel(buf []byte) bool {
	ok := s.accel.Fetch(buf)
	s.metrics.Fetched(GroupAccel, ok)
	return ok
}

// FetchMPU is FetchAccel for the combined inertial record (record.MPUSize).
func (s *Simulator) FetchMPU(buf []byte) bool {
	ok := s.mpu.Fetch(buf)
	s.metrics.Fetched(GroupMPU, ok)
	return ok
}

// FetchBaro is FetchAccel for the barometer record (record.BaroSize).
func (s *Simulator) FetchBaro(buf []byte) bool {
	ok := s.baro.Fetch(buf)
	s.metrics.Fetched(GroupBaro, ok)
	return ok
}

// Tick synthesizes one sample and publishes it to every group, waiting as
// long as needed for readers to drain.
func (s *Simulator) Tick() {
	_ = s.TickContext(context.Background())
}

// TickContext is Tick with every drain bounded by ctx. Groups are published
// independently; the returned error lists the ones that did not make it.
func (s *Simulator) TickContext(ctx context.Context) error {
	accel, mpu, baro := s.model.Next(time.Since(s.start)).Records(s.order)
	return s.PublishFrame(ctx, record.Frame{Accel: accel, MPU: mpu, Baro: baro})
}

// PublishFrame publishes externally produced records, for example from a
// board streaming over serial. Only one producer may call it or TickContext
// at a time.
func (s *Simulator) PublishFrame(ctx context.Context, f record.Frame) error {
	return multierr.Combine(
		publish(ctx, s, GroupAccel, s.accel, f.Accel),
		publish(ctx, s, GroupMPU, s.mpu, f.MPU),
		publish(ctx, s, GroupBaro, s.baro, f.Baro),
	)
}

func publish[R any](ctx context.Context, s *Simulator, group string, b *doublebuf.Buffer[R], r R) error {
	if err := b.PublishContext(ctx, r); err != nil {
		s.metrics.Stalled(group)
		return fmt.Errorf("[simulator] publish %s: %w", group, err)
	}
	s.metrics.Published(group, b.Generation())
	return nil
}

// Run drives the simulation until ctx is done, ticking once per period.
// A tick whose readers do not drain within PublishTimeout is logged and
// skipped; the next tick tries again.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info("[simulator] starting tick loop", zap.Duration("period", s.period), zap.Int("readers", s.Readers()))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[simulator] received shutdown signal")
			return nil
		case <-ticker.C:
			if err := s.tickOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("[simulator] tick stalled waiting for readers", zap.Error(err))
			}
		}
	}
}

func (s *Simulator) tickOnce(ctx context.Context) error {
	if s.timeout <= 0 {
		return s.TickContext(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.TickContext(tctx)
}
