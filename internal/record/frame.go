package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Frame is one full sensor-set update as it arrives from a board over serial:
// the three records back to back followed by StopSequence.
type Frame struct {
	Accel Accel
	MPU   MPU
	Baro  Baro
}

const PayloadSize = int(unsafe.Sizeof(Frame{}))

var StopSequence = [2]byte{'\r', '\n'}

const FrameSize = PayloadSize + len(StopSequence)

type FrameError struct {
	Reason string
	Length int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("[record] bad frame (%d bytes): %s", e.Length, e.Reason)
}

// DecodeFrame splits a raw frame into its records. Only the length and the
// trailing stop sequence are checked; record contents are opaque here.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if len(raw) != FrameSize {
		return f, &FrameError{Reason: "wrong length", Length: len(raw)}
	}
	if !bytes.Equal(raw[PayloadSize:], StopSequence[:]) {
		return f, &FrameError{Reason: "missing stop sequence", Length: len(raw)}
	}
	// all fields are byte arrays, the order argument only satisfies the API
	if err := binary.Read(bytes.NewReader(raw[:PayloadSize]), binary.LittleEndian, &f); err != nil {
		return f, err
	}
	return f, nil
}

func (f Frame) Encode() []byte {
	out := make([]byte, 0, FrameSize)
	out = append(out, f.Accel[:]...)
	out = append(out, f.MPU[:]...)
	out = append(out, f.Baro[:]...)
	return append(out, StopSequence[:]...)
}
