package simulator

import (
	"encoding/binary"
	"math"
	"time"

	"sleepywoodpecker/rp-goes-sim/internal/record"
)

type Vec3 struct {
	X, Y, Z float32
}

// Sample is one physical reading of the whole sensor set before it is
// quantized into raw records.
type Sample struct {
	Accel    Vec3    // g
	Gyro     Vec3    // deg/s
	TempC    float32 // die temperature
	Pressure float32 // mbar
}

// Model synthesizes the sample at a given time since the simulation started.
type Model interface {
	Next(elapsed time.Duration) Sample
}

// Raw conversion factors, chosen to look like an MPU-6000 at +-8 g and
// +-500 deg/s next to a 24-bit pressure ADC.
const (
	AccelLSBPerG       = 4096
	GyroLSBPerDeg      = 65.5
	TempLSBPerDegC     = 340
	TempOffsetDegC     = 36.53
	BaroLSBPerMillibar = 8000
)

// SmoothModel sways the airframe gently in roll and pitch while it turns at a
// constant yaw rate. Output depends only on elapsed, so runs are repeatable.
type SmoothModel struct{}

func (SmoothModel) Next(elapsed time.Duration) Sample {
	t := elapsed.Seconds()

	roll := deg2rad(20 * math.Sin(t))
	pitch := deg2rad(15 * math.Cos(t*0.7))

	return Sample{
		Accel: Vec3{
			X: float32(-math.Sin(pitch)),
			Y: float32(math.Sin(roll) * math.Cos(pitch)),
			Z: float32(math.Cos(roll) * math.Cos(pitch)),
		},
		Gyro: Vec3{
			X: float32(20 * math.Cos(t)),
			Y: float32(-15 * 0.7 * math.Sin(t*0.7)),
			Z: 30,
		},
		TempC:    float32(25 + 0.5*math.Sin(t/60)),
		Pressure: float32(1013.25 + 0.2*math.Sin(t/10)),
	}
}

// Records quantizes the sample into the three raw layouts.
func (s Sample) Records(order binary.ByteOrder) (record.Accel, record.MPU, record.Baro) {
	ax, ay, az := counts(s.Accel.X, AccelLSBPerG), counts(s.Accel.Y, AccelLSBPerG), counts(s.Accel.Z, AccelLSBPerG)

	accel := record.NewAccel(order, ax, ay, az)
	mpu := record.NewMPU(order, record.MPUSample{
		AccelX: ax, AccelY: ay, AccelZ: az,
		Temp:  counts(s.TempC-TempOffsetDegC, TempLSBPerDegC),
		GyroX: counts(s.Gyro.X, GyroLSBPerDeg),
		GyroY: counts(s.Gyro.Y, GyroLSBPerDeg),
		GyroZ: counts(s.Gyro.Z, GyroLSBPerDeg),
	})

	p := math.Round(float64(s.Pressure) * BaroLSBPerMillibar)
	baro := record.NewBaro(order, uint32(math.Max(0, math.Min(p, record.BaroMax))))
	return accel, mpu, baro
}

// counts scales v and saturates at the int16 range like a real ADC would.
func counts(v float32, scale float64) int16 {
	c := math.Round(float64(v) * scale)
	return int16(math.Max(math.MinInt16, math.Min(c, math.MaxInt16)))
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
