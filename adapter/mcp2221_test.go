package adapter

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cmem"
	"github.com/mklimuk/i2cmem/eeprom"
)

// fakeBridge answers HID reports with canned responses per command.
type fakeBridge struct {
	requests [][]byte
	respond  func(req []byte) []byte
	last     []byte
}

func (f *fakeBridge) Write(b []byte) (int, error) {
	req := append([]byte(nil), b...)
	f.requests = append(f.requests, req)
	f.last = make([]byte, reportSize)
	f.last[0] = req[0]
	if f.respond != nil {
		copy(f.last, f.respond(req))
	}
	return len(b), nil
}

func (f *fakeBridge) Read(b []byte) (int, error) {
	return copy(b, f.last), nil
}

func (f *fakeBridge) Close() error { return nil }

func (f *fakeBridge) commands() []byte {
	cmds := make([]byte, len(f.requests))
	for i, r := range f.requests {
		cmds[i] = r[0]
	}
	return cmds
}

func newFake(respond func(req []byte) []byte) (*fakeBridge, *MCP2221) {
	f := &fakeBridge{respond: respond}
	d := NewMCP2221(WithResponseWait(0), WithOpener(func() (io.ReadWriteCloser, error) { return f, nil }))
	return f, d
}

func TestBufferToStatus(t *testing.T) {
	buf := make([]byte, reportSize)
	buf[9], buf[10] = 0x10, 0x00
	buf[11], buf[12] = 0x08, 0x00
	buf[13] = 3
	buf[14] = 117
	buf[15] = 5
	buf[16], buf[17] = 0xA0, 0x00
	buf[20] = 0x40
	buf[25] = 1

	status := bufferToStatus(buf)
	assert.Equal(t, &MCP2221Status{
		I2CDataBufferCounter:   3,
		I2CSpeedDivider:        117,
		I2CTimeout:             5,
		CurrentAddress:         "a000",
		LastWriteRequestedSize: 16,
		LastWriteSentSize:      8,
		ReadPending:            1,
		NACK:                   true,
	}, status)
}

func TestDivider(t *testing.T) {
	assert.Equal(t, byte(117), Divider(100*physic.KiloHertz))
	assert.Equal(t, byte(27), Divider(400*physic.KiloHertz))
}

func TestMCP2221_Write(t *testing.T) {
	f, d := newFake(nil)

	require.NoError(t, d.Tx(0x50, []byte{0x00, 0x10, 0xAB}, nil))
	assert.Equal(t, []byte{cmdWrite, cmdStatus}, f.commands())
	req := f.requests[0]
	assert.Equal(t, []byte{cmdWrite, 0x03, 0x00, 0xA0, 0x00, 0x10, 0xAB}, req[:7])
}

func TestMCP2221_WriteNack(t *testing.T) {
	f, d := newFake(func(req []byte) []byte {
		resp := make([]byte, reportSize)
		resp[0] = req[0]
		if req[0] == cmdStatus {
			resp[20] = statusNACK
		}
		return resp
	})

	err := d.Tx(0x50, []byte{0x00, 0x00}, nil)
	assert.ErrorIs(t, err, i2cmem.ErrNotAcknowledged)
	// the last report cancels the transfer
	last := f.requests[len(f.requests)-1]
	assert.Equal(t, byte(cmdStatus), last[0])
	assert.Equal(t, byte(subCancel), last[2])
}

func TestMCP2221_Busy(t *testing.T) {
	_, d := newFake(func(req []byte) []byte {
		return []byte{req[0], engineBusy}
	})
	assert.ErrorIs(t, d.Tx(0x50, []byte{0x00}, nil), i2cmem.ErrBusBusy)
}

func TestMCP2221_WriteRead(t *testing.T) {
	f, d := newFake(func(req []byte) []byte {
		if req[0] == cmdGetData {
			return []byte{cmdGetData, 0x00, 0x00, 3, 0x11, 0x22, 0x33}
		}
		return nil
	})

	got := make([]byte, 3)
	require.NoError(t, d.Tx(0x50, []byte{0x01, 0x00}, got))
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, got)
	assert.Equal(t, []byte{cmdWriteNoStop, cmdStatus, cmdReadRepeated, cmdGetData}, f.commands())
	assert.Equal(t, byte(0xA1), f.requests[2][3])
}

func TestMCP2221_ReadNack(t *testing.T) {
	_, d := newFake(func(req []byte) []byte {
		if req[0] == cmdGetData {
			return []byte{cmdGetData, readFailed}
		}
		return nil
	})
	err := d.Tx(0x50, nil, make([]byte, 1))
	assert.ErrorIs(t, err, i2cmem.ErrNotAcknowledged)
}

func TestMCP2221_Limits(t *testing.T) {
	f, d := newFake(nil)
	assert.Error(t, d.Tx(0x50, make([]byte, MaxTransfer+1), nil))
	assert.ErrorIs(t, d.Tx(0x80, []byte{0x00}, nil), i2cmem.ErrInvalidAddress)
	assert.Error(t, d.SetSpeed(1*physic.MegaHertz))
	assert.Empty(t, f.requests)
}

func TestMCP2221_SetSpeed(t *testing.T) {
	f, d := newFake(func(req []byte) []byte {
		return []byte{cmdStatus, 0x00, 0x00, speedAccepted}
	})
	require.NoError(t, d.SetSpeed(100*physic.KiloHertz))
	assert.Equal(t, byte(subSetSpeed), f.requests[0][3])
	assert.Equal(t, byte(117), f.requests[0][4])

	_, d = newFake(nil)
	assert.ErrorIs(t, d.SetSpeed(100*physic.KiloHertz), ErrCommandFailed)
}

func TestMCP2221_EEPROM(t *testing.T) {
	f, d := newFake(func(req []byte) []byte {
		if req[0] == cmdGetData {
			return []byte{cmdGetData, 0x00, 0x00, 1, 0xFF}
		}
		return nil
	})
	e := eeprom.NewTx(d, eeprom.WithMaxTransfer(MaxTransfer), eeprom.WithMaxPollAttempts(3))
	require.NoError(t, e.Write(context.Background(), 0x0000, make([]byte, 64)))
	// 58 + 6 byte payloads, each followed by a status check and a one byte poll
	assert.Equal(t, []byte{
		cmdWrite, cmdStatus, cmdRead, cmdGetData,
		cmdWrite, cmdStatus, cmdRead, cmdGetData,
	}, f.commands())
	assert.Equal(t, byte(60), f.requests[0][1])
}
