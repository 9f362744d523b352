package processing

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sleepywoodpecker/rp-goes-sim/internal/record"
	"sleepywoodpecker/rp-goes-sim/internal/simulator"
)

// fakeSet serves fixed records; a nil group behaves like a wrong length.
type fakeSet struct {
	accel *record.Accel
	mpu   *record.MPU
	baro  *record.Baro
}

func serve(src []byte, dst []byte) bool {
	if src == nil || len(dst) != len(src) {
		return false
	}
	copy(dst, src)
	return true
}

func (f fakeSet) FetchAccel(buf []byte) bool {
	if f.accel == nil {
		return false
	}
	return serve(f.accel[:], buf)
}

func (f fakeSet) FetchMPU(buf []byte) bool {
	if f.mpu == nil {
		return false
	}
	return serve(f.mpu[:], buf)
}

func (f fakeSet) FetchBaro(buf []byte) bool {
	if f.baro == nil {
		return false
	}
	return serve(f.baro[:], buf)
}

func fullSet(order binary.ByteOrder) fakeSet {
	a := record.NewAccel(order, 100, -200, 300)
	m := record.NewMPU(order, record.MPUSample{AccelX: 1, AccelY: 2, AccelZ: 3, Temp: -4, GyroX: 5, GyroY: 6, GyroZ: 7})
	b := record.NewBaro(order, 8_106_000)
	return fakeSet{accel: &a, mpu: &m, baro: &b}
}

func TestPollDecodes(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		s, err := newPoller(fullSet(order), order).Poll()
		require.NoError(t, err)
		assert.Equal(t, int16(-200), s.AccelY)
		assert.Equal(t, int16(-4), s.MPU.Temp)
		assert.Equal(t, uint32(8_106_000), s.BaroRaw)
	}
}

func TestPollReportsMissingGroup(t *testing.T) {
	set := fullSet(binary.LittleEndian)
	set.mpu = nil

	_, err := newPoller(set, binary.LittleEndian).Poll()
	var noData *NoDataError
	require.ErrorAs(t, err, &noData)
	assert.Equal(t, "mpu", noData.Group)
}

func TestProcessSample(t *testing.T) {
	p := NewProcessor("unused.csv", time.Millisecond, fullSet(binary.LittleEndian), binary.LittleEndian, zaptest.NewLogger(t))

	var out bytes.Buffer
	now := time.Unix(0, 42)
	require.NoError(t, p.PollAndRecord(now, &out))
	require.NoError(t, p.PollAndRecord(now, &out))

	assert.Equal(t,
		"0,42,100,-200,300,1,2,3,-4,5,6,7,8106000\n"+
			"1,42,100,-200,300,1,2,3,-4,5,6,7,8106000\n",
		out.String())
}

func TestProcessorRunWritesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	p := NewProcessor(path, time.Millisecond, fullSet(binary.LittleEndian), binary.LittleEndian, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Greater(t, len(lines), 1)
	assert.Equal(t, strings.TrimSpace(CSVHeader), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,"))
}

func TestProcessorSkipsMissingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	p := NewProcessor(path, time.Millisecond, fakeSet{}, binary.LittleEndian, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, CSVHeader, string(data))
}

func TestProcessorReportsFinalFlushError(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("needs /dev/full")
	}
	// everything written stays in the bufio buffer until shutdown
	p := NewProcessor("/dev/full", time.Millisecond, fakeSet{}, binary.LittleEndian, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Run(ctx))
}

func TestProcessorBadPath(t *testing.T) {
	p := NewProcessor(filepath.Join(t.TempDir(), "no", "such", "dir.csv"), time.Millisecond, fakeSet{}, binary.LittleEndian, zaptest.NewLogger(t))
	assert.Error(t, p.Run(context.Background()))
}

func TestFormatInflux(t *testing.T) {
	s, err := newPoller(fullSet(binary.LittleEndian), binary.LittleEndian).Poll()
	require.NoError(t, err)

	line := FormatInflux(s, time.Unix(1, 0))
	assert.Equal(t,
		"simsensors accel_x=100i,accel_y=-200i,accel_z=300i,mpu_accel_x=1i,mpu_accel_y=2i,mpu_accel_z=3i,"+
			"mpu_temp=-4i,gyro_x=5i,gyro_y=6i,gyro_z=7i,baro_raw=8106000i 1000000000",
		line)
}

func TestSamplerSendsDatagram(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	conn, err := net.Dial("udp", listener.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	s := NewSampler(time.Millisecond, conn, fullSet(binary.LittleEndian), binary.LittleEndian, zaptest.NewLogger(t))
	require.NoError(t, s.SampleAndLog(time.Unix(0, 7)))

	buf := make([]byte, 1024)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "simsensors accel_x=100i"))
	assert.True(t, strings.HasSuffix(string(buf[:n]), " 7"))
}

func TestSamplerSkipsMissingData(t *testing.T) {
	s := NewSampler(time.Millisecond, nil, fakeSet{}, binary.LittleEndian, zaptest.NewLogger(t))
	var noData *NoDataError
	assert.ErrorAs(t, s.SampleAndLog(time.Now()), &noData)
}

// The recorder polls a live simulator as one of its readers.
func TestConsumersAgainstSimulator(t *testing.T) {
	sim, err := simulator.New(simulator.Options{Readers: 3, Period: time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	sim.Tick()

	path := filepath.Join(t.TempDir(), "raw.csv")
	p := NewProcessor(path, time.Millisecond, sim, sim.ByteOrder(), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	require.NoError(t, p.Run(ctx))
	require.NoError(t, <-done)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Greater(t, strings.Count(string(data), "\n"), 1)
}
