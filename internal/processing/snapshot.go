package processing

import (
	"encoding/binary"
	"fmt"

	"sleepywoodpecker/rp-goes-sim/internal/record"
)

// SensorSet is the driver-facing side of the simulator. Each call fills buf
// and returns true only when len(buf) is exactly the record size.
type SensorSet interface {
	FetchAccel(buf []byte) bool
	FetchMPU(buf []byte) bool
	FetchBaro(buf []byte) bool
}

// Snapshot is one poll of all three groups, decoded to raw counts.
type Snapshot struct {
	AccelX, AccelY, AccelZ int16
	MPU                    record.MPUSample
	BaroRaw                uint32
}

type NoDataError struct {
	Group string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("[processing] no %s record available", e.Group)
}

// poller owns the scratch buffers for one consumer goroutine.
type poller struct {
	sensors SensorSet
	order   binary.ByteOrder
	accel   [record.AccelSize]byte
	mpu     [record.MPUSize]byte
	baro    [record.BaroSize]byte
}

func newPoller(sensors SensorSet, order binary.ByteOrder) *poller {
	return &poller{sensors: sensors, order: order}
}

func (p *poller) Poll() (Snapshot, error) {
	var s Snapshot
	if !p.sensors.FetchAccel(p.accel[:]) {
		return s, &NoDataError{Group: "accel"}
	}
	if !p.sensors.FetchMPU(p.mpu[:]) {
		return s, &NoDataError{Group: "mpu"}
	}
	if !p.sensors.FetchBaro(p.baro[:]) {
		return s, &NoDataError{Group: "baro"}
	}

	s.AccelX, s.AccelY, s.AccelZ = record.Accel(p.accel).Decode(p.order)
	s.MPU = record.MPU(p.mpu).Decode(p.order)
	s.BaroRaw = record.Baro(p.baro).Raw(p.order)
	return s, nil
}
