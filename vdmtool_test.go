package vdmtool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		s        Status
		name     string
		terminal bool
	}{
		{StatusPending, "Pending", false},
		{StatusAck, "Ack", true},
		{StatusNak, "Nak", true},
		{StatusBusy, "Busy", false},
		{StatusUnresponsive, "Unresponsive", true},
		{Status(42), "INVALID", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.s.String())
		assert.Equal(t, tt.terminal, tt.s.Terminal(), tt.name)
	}
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "dfu", OpEnterDFU.String())
	assert.Equal(t, "reboot", OpReboot.String())
	assert.Equal(t, "serial", OpEnterSerial.String())
	assert.Equal(t, "serial off", OpExitSerial.String())
	assert.Equal(t, "reboot serial", OpRebootThenSerial.String())
	assert.Equal(t, "INVALID", Operation(0).String())
}

func TestSessionError(t *testing.T) {
	err := error(&SessionError{Command: "VDMs", Err: ErrTimeout})
	assert.EqualError(t, err, "VDMs: controller did not respond in time")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestSequenceError(t *testing.T) {
	cause := &SessionError{Command: "VDMs", Err: ErrRejected}

	plain := error(&SequenceError{Op: OpEnterSerial, Step: 1, StepName: "serial", Err: cause})
	assert.EqualError(t, plain, "serial: step 1 (serial): VDMs: command rejected")
	assert.ErrorIs(t, plain, ErrRejected)
	assert.NotErrorIs(t, plain, ErrWindowMissed)

	window := error(&SequenceError{Op: OpRebootThenSerial, Step: 3, StepName: "serial", Window: true, Err: cause})
	assert.EqualError(t, window, "reboot serial: step 3 (serial): serial window after reboot missed: VDMs: command rejected")
	assert.ErrorIs(t, window, ErrWindowMissed)
	assert.ErrorIs(t, window, ErrRejected)

	var se *SessionError
	assert.True(t, errors.As(window, &se))
	assert.Equal(t, "VDMs", se.Command)
}
