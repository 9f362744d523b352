package processing

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

const CSVHeader = "seq,unix_nanos,accel_x,accel_y,accel_z,mpu_accel_x,mpu_accel_y,mpu_accel_z,mpu_temp,gyro_x,gyro_y,gyro_z,baro_raw\n"

// Processor polls the sensor set at its own period and records every
// snapshot as a CSV row, the way a logging driver would.
type Processor struct {
	Filename string
	period   time.Duration
	poller   *poller
	logger   *zap.Logger
	seq      uint64
}

func NewProcessor(filename string, period time.Duration, sensors SensorSet, order binary.ByteOrder, logger *zap.Logger) *Processor {
	return &Processor{
		Filename: filename,
		period:   period,
		poller:   newPoller(sensors, order),
		logger:   logger,
	}
}

func (p *Processor) Run(ctx context.Context) error {
	file, err := os.OpenFile(p.Filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		p.logger.Error("[processor] error opening a file", zap.Error(err), zap.String("outputFile", p.Filename))
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)

	if _, err := io.WriteString(writer, CSVHeader); err != nil {
		return err
	}

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if err := p.PollAndRecord(now, writer); err != nil {
				var noData *NoDataError
				if errors.As(err, &noData) {
					// skip the cycle, the next tick polls again
					p.logger.Warn("[processor] skipping cycle", zap.Error(err), zap.String("group", noData.Group))
					continue
				}
				p.logger.Error("[processor] error writing sample", zap.Error(err), zap.String("outputFile", p.Filename))
				return err
			}
		case <-ctx.Done():
			// buffered rows are lost unless the final flush lands
			if err := writer.Flush(); err != nil {
				p.logger.Error("[processor] error flushing samples", zap.Error(err), zap.String("outputFile", p.Filename))
				return err
			}
			p.logger.Info("[processor] received shutdown signal", zap.String("outputFile", p.Filename), zap.Uint64("rows", p.seq))
			return nil
		}
	}
}

func (p *Processor) PollAndRecord(now time.Time, outStream io.Writer) error {
	snapshot, err := p.poller.Poll()
	if err != nil {
		return err
	}
	if err := p.ProcessSample(now, snapshot, outStream); err != nil {
		return err
	}
	p.seq++
	return nil
}

func (p *Processor) ProcessSample(now time.Time, s Snapshot, outStream io.Writer) error {
	// create string representation of data
	message := fmt.Sprintf(
		"%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d\n",
		p.seq,
		now.UnixNano(),
		s.AccelX, s.AccelY, s.AccelZ,
		s.MPU.AccelX, s.MPU.AccelY, s.MPU.AccelZ,
		s.MPU.Temp,
		s.MPU.GyroX, s.MPU.GyroY, s.MPU.GyroZ,
		s.BaroRaw,
	)

	_, err := io.WriteString(outStream, message)
	return err
}
