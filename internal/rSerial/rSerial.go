// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-goes-sim/internal/record"
)

// Port is the part of serial.Port the reader needs.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// FrameSink receives every decoded frame. The simulator is the only one in
// practice; it must be the sole producer while this reader runs.
type FrameSink interface {
	PublishFrame(ctx context.Context, f record.Frame) error
}

type rserial struct {
	Port
	sink           FrameSink
	tempBuff       []byte
	logger         *zap.Logger
	portName       string
	stopSequence   []byte
	publishTimeout time.Duration
}

type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] incorrect stop sequence detected: %v", e.ByteSequence)
}

func NewRSerial(portName string, baudrate int, sink FrameSink, publishTimeout time.Duration, logger *zap.Logger) (*rserial, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		logger.Error("Error opening serial port", zap.Error(err), zap.String("portName", portName))
		return nil, err
	}

	return newRSerial(port, portName, sink, publishTimeout, logger), nil
}

func newRSerial(port Port, portName string, sink FrameSink, publishTimeout time.Duration, logger *zap.Logger) *rserial {
	return &rserial{
		Port:           port,
		sink:           sink,
		tempBuff:       make([]byte, record.FrameSize),
		logger:         logger,
		portName:       portName,
		stopSequence:   record.StopSequence[:],
		publishTimeout: publishTimeout,
	}
}

func (r *rserial) initialize(ctx context.Context) error {
	if err := r.SetReadTimeout(5 * time.Millisecond); err != nil {
		return err
	}
	if err := r.ResetInputBuffer(); err != nil {
		return err
	}
	return r.sync(ctx)
}

// Run reads frames and publishes them until ctx is done or the port fails
// for good.
func (r *rserial) Run(ctx context.Context) error {
	if err := r.initialize(ctx); err != nil {
		return r.exit(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
			return nil
		default:
		}

		frame, err := r.ReadFrame(ctx)
		if err != nil {
			var oosError *OutOfSyncError
			if errors.As(err, &oosError) {
				r.logger.Warn("Error while attempting to read packet from serial", zap.Error(err), zap.String("portName", r.portName), zap.ByteString("payload", oosError.ByteSequence))
				if err := r.sync(ctx); err != nil {
					return r.exit(ctx, err)
				}
				continue
			}
			return r.exit(ctx, err)
		}

		if err := r.publish(ctx, frame); err != nil {
			r.logger.Warn("[rserial] dropping frame, readers did not drain", zap.Error(err), zap.String("portName", r.portName))
		}
	}
}

func (r *rserial) publish(ctx context.Context, frame record.Frame) error {
	if r.publishTimeout <= 0 {
		return r.sink.PublishFrame(ctx, frame)
	}
	pctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	return r.sink.PublishFrame(pctx, frame)
}

func (r *rserial) exit(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
		return nil
	}
	if errors.Is(err, io.EOF) {
		r.logger.Info("[rserial] port closed", zap.String("portName", r.portName))
		return nil
	}
	r.logger.Error("[rserial] giving up on serial port", zap.Error(err), zap.String("portName", r.portName))
	return err
}

// ReadFrame reads exactly one frame. A read timeout with no data just loops,
// checking ctx in between.
func (r *rserial) ReadFrame(ctx context.Context) (record.Frame, error) {
	count := 0
	for count < record.FrameSize {
		n, err := r.Read(r.tempBuff[count:])
		if err != nil {
			return record.Frame{}, err
		}
		if n == 0 {
			if err := ctx.Err(); err != nil {
				return record.Frame{}, err
			}
		}
		count += n
	}

	// validate that the packet is valid by checking the last 2 characters of the packet
	if !bytes.Equal(r.tempBuff[record.PayloadSize:], r.stopSequence) {
		byteSequenceCopy := make([]byte, record.FrameSize)
		copy(byteSequenceCopy, r.tempBuff)

		return record.Frame{}, &OutOfSyncError{
			ByteSequence: byteSequenceCopy,
		}
	}

	return record.DecodeFrame(r.tempBuff)
}

// sync drops bytes up to and including the next complete stop sequence. A
// lone terminator byte inside a payload does not count.
func (r *rserial) sync(ctx context.Context) error {
	r.logger.Warn("Resyncing serial port", zap.String("portName", r.portName))
	onebyte := make([]byte, 1)
	window := make([]byte, 0, len(r.stopSequence))

	for {
		n, err := r.Read(onebyte)
		if err != nil {
			return err
		}
		if n == 1 {
			if len(window) == len(r.stopSequence) {
				copy(window, window[1:])
				window = window[:len(window)-1]
			}
			window = append(window, onebyte[0])
			if bytes.Equal(window, r.stopSequence) {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
