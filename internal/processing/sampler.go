package processing

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

const SamplingChannelName = "simsensors"

// Sampler forwards the latest records to telegraf as influx line protocol
// over UDP, at a much lower rate than the simulation ticks.
type Sampler struct {
	samplingFrequency time.Duration
	conn              net.Conn
	poller            *poller
	logger            *zap.Logger
}

func NewSampler(samplingFrequency time.Duration, conn net.Conn, sensors SensorSet, order binary.ByteOrder, logger *zap.Logger) *Sampler {
	return &Sampler{
		samplingFrequency: samplingFrequency,
		conn:              conn,
		poller:            newPoller(sensors, order),
		logger:            logger,
	}
}

func (s *Sampler) SampleAndLog(now time.Time) error {
	snapshot, err := s.poller.Poll()
	if err != nil {
		s.logger.Warn("[sampler] skipping sample", zap.Error(err))
		return err
	}

	line := FormatInflux(snapshot, now)
	if err := s.sendToConn(line); err != nil {
		s.logger.Warn("[sampler] Error writing data to UDP connection", zap.Error(err))
		return err
	}
	s.logger.Debug("[sampler] collected sample", zap.String("influxString", line))
	return nil
}

func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.samplingFrequency)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			_ = s.SampleAndLog(now)
		case <-ctx.Done():
			s.logger.Info("[sampler] received shutdown signal")
			return
		}
	}
}

// FormatInflux renders one snapshot as an influx line with integer fields.
func FormatInflux(s Snapshot, now time.Time) string {
	fields := []struct {
		name  string
		value int64
	}{
		{"accel_x", int64(s.AccelX)},
		{"accel_y", int64(s.AccelY)},
		{"accel_z", int64(s.AccelZ)},
		{"mpu_accel_x", int64(s.MPU.AccelX)},
		{"mpu_accel_y", int64(s.MPU.AccelY)},
		{"mpu_accel_z", int64(s.MPU.AccelZ)},
		{"mpu_temp", int64(s.MPU.Temp)},
		{"gyro_x", int64(s.MPU.GyroX)},
		{"gyro_y", int64(s.MPU.GyroY)},
		{"gyro_z", int64(s.MPU.GyroZ)},
		{"baro_raw", int64(s.BaroRaw)},
	}

	var b strings.Builder
	b.WriteString(SamplingChannelName)
	for i, f := range fields {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%di", f.name, f.value)
	}
	fmt.Fprintf(&b, " %d", now.UnixNano())
	return b.String()
}

func (s *Sampler) sendToConn(formattedData string) error {
	// one datagram per line; a short write means the datagram was cut
	n, err := s.conn.Write([]byte(formattedData))
	if err != nil {
		return err
	}
	if n != len(formattedData) {
		return fmt.Errorf("[sampler] short write: %d of %d bytes", n, len(formattedData))
	}
	return nil
}
