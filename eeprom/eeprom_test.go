package eeprom

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/i2cmem"
	"github.com/mklimuk/i2cmem/i2c"
	"github.com/mklimuk/i2cmem/sim"
)

func setup(devOpts []sim.Opt, opts ...Opt) (*sim.Device, *EEPROM) {
	dev := sim.New(devOpts...)
	bus := i2c.NewBus(dev, i2c.WithWait(dev.Wait))
	opts = append([]Opt{WithMaxPollAttempts(100)}, opts...)
	return dev, New(bus, opts...)
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestEEPROM_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr uint16
		n    int
	}{
		{"single byte", 0x0000, 1},
		{"last byte of page", 0x003F, 1},
		{"two pages", 0x003F, 2},
		{"full page", 0x0100, 64},
		{"unaligned multi page", 0x0010, 200},
		{"end of memory", i2cmem.Capacity - 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, e := setup(nil)
			ctx := context.Background()
			data := pattern(tt.n)

			require.NoError(t, e.Write(ctx, tt.addr, data))
			got := make([]byte, tt.n)
			require.NoError(t, e.Read(ctx, tt.addr, got))

			assert.Equal(t, data, got)
			assert.Equal(t, data, dev.Bytes(tt.addr, tt.n))
			assert.Empty(t, dev.Violations())
			assert.True(t, dev.Idle())
		})
	}
}

func TestEEPROM_RoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewPCG(24, 256))
	ctx := context.Background()
	for i := 0; i < 64; i++ {
		n := 1 + rng.IntN(1024)
		addr := uint16(rng.IntN(i2cmem.Capacity - n + 1))
		data := make([]byte, n)
		for j := range data {
			data[j] = byte(rng.Uint32())
		}

		dev, e := setup(nil)
		require.NoError(t, e.Write(ctx, addr, data), "write %d bytes at %#x", n, addr)
		got := make([]byte, n)
		require.NoError(t, e.Read(ctx, addr, got), "read %d bytes at %#x", n, addr)
		require.Equal(t, data, got, "%d bytes at %#x", n, addr)

		total := 0
		for _, c := range dev.Writes() {
			assert.LessOrEqual(t, i2cmem.PageOffset(c.Addr)+c.Len, i2cmem.PageSize, "commit %+v crosses a page", c)
			total += c.Len
		}
		assert.Equal(t, n, total)
		assert.Empty(t, dev.Violations())
	}
}

func TestEEPROM_WriteChunks(t *testing.T) {
	tests := []struct {
		name    string
		addr    uint16
		n       int
		commits []sim.Commit
	}{
		{"aligned", 0x0000, 128, []sim.Commit{{Addr: 0x0000, Len: 64}, {Addr: 0x0040, Len: 64}}},
		{"crossing", 0x003C, 10, []sim.Commit{{Addr: 0x003C, Len: 4}, {Addr: 0x0040, Len: 6}}},
		{"page start short", 0x0040, 10, []sim.Commit{{Addr: 0x0040, Len: 10}}},
		{"ends on boundary", 0x0030, 16, []sim.Commit{{Addr: 0x0030, Len: 16}}},
		{"three pages", 0x0020, 130, []sim.Commit{{Addr: 0x0020, Len: 32}, {Addr: 0x0040, Len: 64}, {Addr: 0x0080, Len: 34}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, e := setup(nil)
			require.NoError(t, e.Write(context.Background(), tt.addr, pattern(tt.n)))
			assert.Equal(t, tt.commits, dev.Writes())
		})
	}
}

func TestEEPROM_WriteFrames(t *testing.T) {
	dev, e := setup([]sim.Opt{sim.WithBusyPolls(3)})
	require.NoError(t, e.Write(context.Background(), 0x003C, []byte{1, 2, 3, 4, 5}))

	frames := sim.Frames(dev.Trace())
	require.Len(t, frames, 10)
	assert.Equal(t, "S Wa0+ W00+ W3c+ W01+ W02+ W03+ W04+", sim.Format(frames[0]))
	for _, f := range frames[1:4] {
		assert.Equal(t, "S Wa0-", sim.Format(f))
	}
	assert.Equal(t, "S Wa0+", sim.Format(frames[4]))
	assert.Equal(t, "S Wa0+ W00+ W40+ W05+", sim.Format(frames[5]))
}

func TestEEPROM_ReadFrames(t *testing.T) {
	dev, e := setup(nil)
	dev.Load(0x1234, []byte{0x42, 0x43, 0x44})
	ctx := context.Background()

	one := make([]byte, 1)
	require.NoError(t, e.Read(ctx, 0x1234, one))
	assert.Equal(t, "S Wa0+ W12+ W34+ Sr Wa1+ R42- P", sim.Format(dev.Trace()))
	assert.Equal(t, byte(0x42), one[0])

	dev.Reset()
	three := make([]byte, 3)
	require.NoError(t, e.Read(ctx, 0x1234, three))
	assert.Equal(t, "S Wa0+ W12+ W34+ Sr Wa1+ R42+ R43+ R44- P", sim.Format(dev.Trace()))
	assert.Empty(t, dev.Violations())
}

func TestEEPROM_ReadCurrent(t *testing.T) {
	dev, e := setup(nil)
	dev.Load(0x0010, []byte{0x01, 0x02, 0x03})
	ctx := context.Background()

	require.NoError(t, e.Read(ctx, 0x0010, make([]byte, 2)))
	dev.Reset()
	b, err := e.ReadCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), b)
	assert.Equal(t, "S Wa1+ R03- P", sim.Format(dev.Trace()))
}

func TestEEPROM_HeaderNack(t *testing.T) {
	tests := []struct {
		name  string
		pos   int
		trace string
	}{
		{"high address byte", 1, "S Wa0+ W01- P"},
		{"low address byte", 2, "S Wa0+ W01+ W00- P"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, e := setup([]sim.Opt{sim.WithNack(func(t sim.Transmission) bool { return t.Pos == tt.pos })})

			err := e.Write(context.Background(), 0x0100, pattern(8))
			require.Error(t, err)
			assert.ErrorIs(t, err, i2cmem.ErrNotAcknowledged)
			assert.Equal(t, i2cmem.NotAcknowledged, i2cmem.ResultOf(err))
			assert.Equal(t, tt.trace, sim.Format(dev.Trace()))
			assert.Empty(t, sim.Written(sim.Frames(dev.Trace())[0]))
			assert.Empty(t, dev.Writes())
			assert.True(t, dev.Idle())

			var te *i2cmem.TransferError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, uint16(0x0100), te.Addr)
			assert.Equal(t, "write", te.Op)
		})
	}
}

func TestEEPROM_DataNackStopsChunk(t *testing.T) {
	nack := func(t sim.Transmission) bool { return t.Data && t.Pointer == 0x0105 }
	dev, e := setup([]sim.Opt{sim.WithNack(nack)})
	data := pattern(16)

	err := e.Write(context.Background(), 0x0100, data)
	assert.ErrorIs(t, err, i2cmem.ErrNotAcknowledged)

	frames := sim.Frames(dev.Trace())
	require.Len(t, frames, 1)
	assert.Equal(t, data[:6], sim.Written(frames[0]))
	assert.Empty(t, dev.Writes())
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 16), dev.Bytes(0x0100, 16))
	assert.True(t, dev.Idle())
}

func TestEEPROM_FailureReportsChunk(t *testing.T) {
	nack := func(t sim.Transmission) bool { return t.Data && t.Pointer == 0x0041 }
	dev, e := setup([]sim.Opt{sim.WithNack(nack)})
	data := pattern(10)

	err := e.Write(context.Background(), 0x003C, data)
	var te *i2cmem.TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, uint16(0x0040), te.Addr)
	// the first chunk stays committed
	assert.Equal(t, []sim.Commit{{Addr: 0x003C, Len: 4}}, dev.Writes())
	assert.Equal(t, data[:4], dev.Bytes(0x003C, 4))
}

func TestEEPROM_WaitForWriteComplete(t *testing.T) {
	dev, e := setup([]sim.Opt{sim.WithBusyPolls(5)})
	ctx := context.Background()

	attempts, err := e.WaitForWriteComplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	require.NoError(t, e.writePage(ctx, 0x0000, []byte{0x01}))
	attempts, err = e.WaitForWriteComplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, attempts)
	assert.True(t, dev.Idle())
}

func TestEEPROM_PollCollisionCountsAsAttempt(t *testing.T) {
	// START 1 writes the page, START 2 is the first poll
	dev, e := setup([]sim.Opt{sim.WithBusyPolls(0), sim.WithStartCollision(2)})

	require.NoError(t, e.Write(context.Background(), 0x0000, []byte{0xAA}))
	assert.Equal(t, "S Wa0+ W00+ W00+ Waa+ P BCL P S Wa0+ P", sim.Format(dev.Trace()))
}

func TestEEPROM_PollBounds(t *testing.T) {
	t.Run("max attempts", func(t *testing.T) {
		dev, e := setup([]sim.Opt{sim.WithBusyPolls(50)}, WithMaxPollAttempts(5))
		err := e.Write(context.Background(), 0x0000, pattern(4))
		assert.ErrorIs(t, err, i2cmem.ErrTimeout)
		assert.Equal(t, i2cmem.Timeout, i2cmem.ResultOf(err))
		assert.Len(t, dev.Writes(), 1)
		assert.True(t, dev.Idle())
	})
	t.Run("deadline", func(t *testing.T) {
		_, e := setup([]sim.Opt{sim.WithPermanentlyBusy()},
			WithMaxPollAttempts(0), WithPollDeadline(20*time.Millisecond), WithPollInterval(time.Millisecond))
		attempts, err := e.WaitForWriteComplete(context.Background())
		assert.ErrorIs(t, err, i2cmem.ErrTimeout)
		assert.GreaterOrEqual(t, attempts, 1)
	})
	t.Run("cancelled", func(t *testing.T) {
		_, e := setup([]sim.Opt{sim.WithPermanentlyBusy()}, WithMaxPollAttempts(0))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		attempts, err := e.WaitForWriteComplete(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, i2cmem.Failed, i2cmem.ResultOf(err))
	})
}

// assertBusReusable checks that a fresh transfer can start once a failed call returned.
func assertBusReusable(t *testing.T, dev *sim.Device, bus *i2c.Bus) {
	t.Helper()
	ctx := context.Background()
	assert.True(t, dev.Idle())
	before := len(dev.Violations())
	require.NoError(t, bus.BeginTransfer(ctx, false))
	require.NoError(t, bus.EndTransfer(ctx))
	assert.Len(t, dev.Violations(), before)
}

func TestEEPROM_Collision(t *testing.T) {
	dev := sim.New(sim.WithStartCollision(1))
	bus := i2c.NewBus(dev, i2c.WithWait(dev.Wait))
	e := New(bus)

	err := e.Write(context.Background(), 0x0000, pattern(4))
	assert.ErrorIs(t, err, i2cmem.ErrBusCollision)
	assert.Equal(t, i2cmem.BusCollision, i2cmem.ResultOf(err))
	assert.Equal(t, "BCL P", sim.Format(dev.Trace()))
	assertBusReusable(t, dev, bus)
}

func TestEEPROM_ReceiveOverflow(t *testing.T) {
	for _, nth := range []int{1, 2, 4} {
		dev := sim.New(sim.WithReceiveOverflow(nth))
		bus := i2c.NewBus(dev, i2c.WithWait(dev.Wait))
		e := New(bus)

		err := e.Read(context.Background(), 0x0000, make([]byte, 4))
		assert.ErrorIs(t, err, i2cmem.ErrReceiveOverflow, "overflow on receive %d", nth)
		assert.Equal(t, i2cmem.ReceiveOverflow, i2cmem.ResultOf(err))
		assertBusReusable(t, dev, bus)
	}
}

func TestEEPROM_InvalidRequests(t *testing.T) {
	dev, e := setup(nil)
	ctx := context.Background()

	assert.ErrorIs(t, e.Write(ctx, 0x7FF0, pattern(32)), i2cmem.ErrOutOfRange)
	assert.ErrorIs(t, e.Read(ctx, 0x7FFF, make([]byte, 2)), i2cmem.ErrOutOfRange)
	assert.NoError(t, e.Write(ctx, 0x0000, nil))
	assert.NoError(t, e.Read(ctx, 0x0000, nil))
	assert.Empty(t, dev.Trace())

	_, bad := setup(nil, WithDevice(0x80))
	assert.ErrorIs(t, bad.Write(ctx, 0x0000, pattern(1)), i2cmem.ErrInvalidAddress)
}

func TestEEPROM_AbsentDevice(t *testing.T) {
	dev, e := setup(nil, WithDevice(0x51))

	err := e.Read(context.Background(), 0x0000, make([]byte, 4))
	assert.ErrorIs(t, err, i2cmem.ErrNotAcknowledged)
	assert.Equal(t, "S Wa2- P", sim.Format(dev.Trace()))
}

func TestEEPROM_Latency(t *testing.T) {
	dev, e := setup([]sim.Opt{sim.WithLatency(4), sim.WithBusyPolls(2)})
	ctx := context.Background()
	data := pattern(70)

	require.NoError(t, e.Write(ctx, 0x0200, data))
	got := make([]byte, len(data))
	require.NoError(t, e.Read(ctx, 0x0200, got))
	assert.Equal(t, data, got)
	assert.Empty(t, dev.Violations())
}

func TestPackageFunctions(t *testing.T) {
	dev := sim.New(sim.WithDevice(0x57))
	bus := i2c.NewBus(dev, i2c.WithWait(dev.Wait))
	ctx := context.Background()

	require.NoError(t, WriteEEPROM(ctx, bus, 0x57, 0x0400, []byte("hello")))
	got := make([]byte, 5)
	require.NoError(t, ReadEEPROM(ctx, bus, 0x57, 0x0400, got))
	assert.Equal(t, "hello", string(got))

	attempts, err := WaitForWriteComplete(ctx, bus, 0x57)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestEEPROM_Logging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, e := setup(nil, WithLogger(logger))

	require.NoError(t, e.Write(context.Background(), 0x0000, pattern(3)))
	assert.Contains(t, buf.String(), "page written")
	assert.Contains(t, buf.String(), "polls=4")
}
