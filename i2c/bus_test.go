package i2c

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/i2cmem"
)

// MockController is a mock implementation of i2cmem.Controller using testify/mock
type MockController struct {
	mock.Mock
}

func (m *MockController) BusIdle() bool              { return m.Called().Bool(0) }
func (m *MockController) Start() error               { return m.Called().Error(0) }
func (m *MockController) RepeatStart() error         { return m.Called().Error(0) }
func (m *MockController) StartComplete() bool        { return m.Called().Bool(0) }
func (m *MockController) TransmitterReady() bool     { return m.Called().Bool(0) }
func (m *MockController) SendByte(b byte) error      { return m.Called(b).Error(0) }
func (m *MockController) TransmissionComplete() bool { return m.Called().Bool(0) }
func (m *MockController) ByteAcknowledged() bool     { return m.Called().Bool(0) }
func (m *MockController) EnableReceiver() error      { return m.Called().Error(0) }
func (m *MockController) DataAvailable() bool        { return m.Called().Bool(0) }
func (m *MockController) Acknowledge(ack bool) error { return m.Called(ack).Error(0) }
func (m *MockController) AcknowledgeComplete() bool  { return m.Called().Bool(0) }
func (m *MockController) ReceivedByte() byte         { return m.Called().Get(0).(byte) }
func (m *MockController) Stop() error                { return m.Called().Error(0) }
func (m *MockController) StopComplete() bool         { return m.Called().Bool(0) }

func TestBus_BeginTransferWaitsForIdle(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("BusIdle").Return(false).Twice()
	ctrl.On("BusIdle").Return(true).Once()
	ctrl.On("Start").Return(nil).Once()
	ctrl.On("StartComplete").Return(false).Once()
	ctrl.On("StartComplete").Return(true).Once()

	err := NewBus(ctrl).BeginTransfer(context.Background(), false)
	require.NoError(t, err)
	ctrl.AssertExpectations(t)
	ctrl.AssertNotCalled(t, "RepeatStart")
}

func TestBus_RepeatedStartSkipsIdleWait(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("RepeatStart").Return(nil).Once()
	ctrl.On("StartComplete").Return(true).Once()

	err := NewBus(ctrl).BeginTransfer(context.Background(), true)
	require.NoError(t, err)
	ctrl.AssertExpectations(t)
	ctrl.AssertNotCalled(t, "BusIdle")
	ctrl.AssertNotCalled(t, "Start")
}

func TestBus_StartCollision(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("BusIdle").Return(true)
	ctrl.On("Start").Return(i2cmem.ErrBusCollision).Once()

	err := NewBus(ctrl).BeginTransfer(context.Background(), false)
	assert.ErrorIs(t, err, i2cmem.ErrBusCollision)
	ctrl.AssertNotCalled(t, "StartComplete")
}

func TestBus_TransmitByte(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("TransmitterReady").Return(true).Once()
	ctrl.On("SendByte", byte(0xA0)).Return(nil).Once()
	ctrl.On("TransmissionComplete").Return(false).Once()
	ctrl.On("TransmissionComplete").Return(true).Once()
	ctrl.On("ByteAcknowledged").Return(true).Once()

	bus := NewBus(ctrl)
	require.NoError(t, bus.TransmitByte(context.Background(), 0xA0))
	assert.True(t, bus.ByteWasAcknowledged())
	ctrl.AssertExpectations(t)
}

func TestBus_TransmitCollision(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("TransmitterReady").Return(true).Once()
	ctrl.On("SendByte", byte(0x12)).Return(i2cmem.ErrBusCollision).Once()

	err := NewBus(ctrl).TransmitByte(context.Background(), 0x12)
	assert.ErrorIs(t, err, i2cmem.ErrBusCollision)
	ctrl.AssertNotCalled(t, "TransmissionComplete")
}

func TestBus_ReceiveByte(t *testing.T) {
	tests := []struct {
		name string
		ack  bool
	}{
		{"ack", true},
		{"nack", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := new(MockController)
			ctrl.On("EnableReceiver").Return(nil).Once()
			ctrl.On("DataAvailable").Return(true).Once()
			ctrl.On("Acknowledge", tt.ack).Return(nil).Once()
			ctrl.On("AcknowledgeComplete").Return(true).Once()
			ctrl.On("ReceivedByte").Return(byte(0x5A)).Once()

			b, err := NewBus(ctrl).ReceiveByte(context.Background(), tt.ack)
			require.NoError(t, err)
			assert.Equal(t, byte(0x5A), b)
			ctrl.AssertExpectations(t)
		})
	}
}

func TestBus_ReceiveOverflow(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("EnableReceiver").Return(i2cmem.ErrReceiveOverflow).Once()

	_, err := NewBus(ctrl).ReceiveByte(context.Background(), true)
	assert.ErrorIs(t, err, i2cmem.ErrReceiveOverflow)
	ctrl.AssertNotCalled(t, "Acknowledge", mock.Anything)
}

func TestBus_EndTransfer(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Stop").Return(nil).Once()
	ctrl.On("StopComplete").Return(true).Once()

	require.NoError(t, NewBus(ctrl).EndTransfer(context.Background()))
	ctrl.AssertExpectations(t)
}

func TestBus_WaitTimeout(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("BusIdle").Return(false)

	bus := NewBus(ctrl, WithWaitTimeout(5*time.Millisecond))
	err := bus.BeginTransfer(context.Background(), false)
	assert.ErrorIs(t, err, i2cmem.ErrTimeout)
	assert.Equal(t, i2cmem.Timeout, i2cmem.ResultOf(err))
	ctrl.AssertNotCalled(t, "Start")
}

func TestPoll(t *testing.T) {
	polls := 0
	err := Poll(time.Millisecond)(context.Background(), func() bool {
		polls++
		return polls == 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, polls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Poll(time.Millisecond)(ctx, func() bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, i2cmem.ErrTimeout)
}

func TestSpin_Deadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()
	err := Spin(ctx, func() bool { return false })
	assert.ErrorIs(t, err, i2cmem.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
