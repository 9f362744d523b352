// Package record holds the raw, byte-packed sample layouts exchanged between
// the simulation producer and the driver-side consumers.
//
// Every record is a plain byte array so the layout is exactly what goes over
// the wire: no padding, no pointers, copied by value. The byte order of the
// 16-bit fields is never implied by the host; callers pass it explicitly.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

const (
	AccelSize = 6
	MPUSize   = 14
	BaroSize  = 3
)

// Accel is x, y, z as signed 16-bit counts.
type Accel [AccelSize]byte

// MPU is the combined inertial record: accel x/y/z, temperature, gyro x/y/z,
// two raw bytes each.
type MPU [MPUSize]byte

// Baro is an opaque 3 byte payload, normally a 24-bit ADC conversion.
type Baro [BaroSize]byte

// Size returns the packed byte size of the record type R.
func Size[R any]() int {
	var zero R
	return int(unsafe.Sizeof(zero))
}

var ErrUnknownByteOrder = errors.New("[record] unknown byte order")

// ByteOrder is the configured encoding for the 16-bit fields. The device
// layout was never pinned down upstream, so it is a setting rather than a
// guess; little endian is the default.
type ByteOrder string

const (
	LittleEndian ByteOrder = "little"
	BigEndian    ByteOrder = "big"
)

const DefaultByteOrder = LittleEndian

func ParseByteOrder(s string) (ByteOrder, error) {
	switch ByteOrder(strings.ToLower(strings.TrimSpace(s))) {
	case "", LittleEndian:
		return LittleEndian, nil
	case BigEndian:
		return BigEndian, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownByteOrder, s)
}

// Binary maps the setting onto encoding/binary. Unknown values fall back to
// the default.
func (b ByteOrder) Binary() binary.ByteOrder {
	if b == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func NewAccel(order binary.ByteOrder, x, y, z int16) Accel {
	var a Accel
	order.PutUint16(a[0:2], uint16(x))
	order.PutUint16(a[2:4], uint16(y))
	order.PutUint16(a[4:6], uint16(z))
	return a
}

func (a Accel) Decode(order binary.ByteOrder) (x, y, z int16) {
	return int16(order.Uint16(a[0:2])), int16(order.Uint16(a[2:4])), int16(order.Uint16(a[4:6]))
}

// MPUSample is the decoded view of an MPU record, raw counts throughout.
type MPUSample struct {
	AccelX, AccelY, AccelZ int16
	Temp                   int16
	GyroX, GyroY, GyroZ    int16
}

func NewMPU(order binary.ByteOrder, s MPUSample) MPU {
	var m MPU
	for i, v := range s.fields() {
		order.PutUint16(m[i*2:i*2+2], uint16(v))
	}
	return m
}

func (m MPU) Decode(order binary.ByteOrder) MPUSample {
	var f [7]int16
	for i := range f {
		f[i] = int16(order.Uint16(m[i*2 : i*2+2]))
	}
	return MPUSample{
		AccelX: f[0], AccelY: f[1], AccelZ: f[2],
		Temp:  f[3],
		GyroX: f[4], GyroY: f[5], GyroZ: f[6],
	}
}

// field order on the wire
func (s MPUSample) fields() [7]int16 {
	return [7]int16{s.AccelX, s.AccelY, s.AccelZ, s.Temp, s.GyroX, s.GyroY, s.GyroZ}
}

const BaroMax = 1<<24 - 1

var ErrBaroOverflow = errors.New("[record] baro raw value exceeds 24 bits")

// NewBaro packs the low 24 bits of raw. Anything above is dropped; use
// NewBaroChecked to reject it instead.
func NewBaro(order binary.ByteOrder, raw uint32) Baro {
	var b Baro
	raw &= BaroMax
	if isBigEndian(order) {
		b[0], b[1], b[2] = byte(raw>>16), byte(raw>>8), byte(raw)
	} else {
		b[0], b[1], b[2] = byte(raw), byte(raw>>8), byte(raw>>16)
	}
	return b
}

func NewBaroChecked(order binary.ByteOrder, raw uint32) (Baro, error) {
	if raw > BaroMax {
		return Baro{}, fmt.Errorf("%w: %d", ErrBaroOverflow, raw)
	}
	return NewBaro(order, raw), nil
}

func (b Baro) Raw(order binary.ByteOrder) uint32 {
	if isBigEndian(order) {
		return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	return uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
}

// binary.ByteOrder has no 24-bit accessors, so probe which end is first.
func isBigEndian(order binary.ByteOrder) bool {
	var p [2]byte
	order.PutUint16(p[:], 1)
	return p[1] == 1
}
