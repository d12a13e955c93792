package serialmux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptions_NormalizeDefaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "N"}, got)
}

func TestPortOptions_NormalizeInvalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits low", PortOptions{DataBits: 4}},
		{"data bits high", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "mark"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.Normalize()
			assert.Error(t, err)
			_, err = tt.opts.SerialMode()
			assert.Error(t, err)
		})
	}
}

func TestPortOptions_Equal(t *testing.T) {
	assert.True(t, PortOptions{}.Equal(PortOptions{BaudRate: 19200, Parity: "none"}))
	assert.False(t, PortOptions{}.Equal(PortOptions{BaudRate: 9600}))
	assert.False(t, PortOptions{DataBits: 12}.Equal(PortOptions{DataBits: 12}))
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 7, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	mode, err = PortOptions{Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
}

func TestNewRealSerialMux(t *testing.T) {
	orig := openPort
	defer func() { openPort = orig }()

	var gotPath string
	var gotMode *serial.Mode
	port := NewTestableSerialPort()
	openPort = func(path string, mode *serial.Mode) (SerialPorter, error) {
		gotPath, gotMode = path, mode
		return port, nil
	}

	mux, err := NewRealSerialMux("/dev/ttyUSB0", PortOptions{BaudRate: 115200})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", gotPath)
	assert.Equal(t, 115200, gotMode.BaudRate)
	require.NoError(t, mux.SendCommand("x"))
	assert.Equal(t, "x\n", string(port.GetWrittenData()))

	openPort = func(string, *serial.Mode) (SerialPorter, error) { return nil, errors.New("no such device") }
	_, err = NewRealSerialMux("/dev/missing", PortOptions{})
	assert.ErrorContains(t, err, "no such device")

	_, err = NewRealSerialMux("/dev/ttyUSB0", PortOptions{StopBits: 5})
	assert.Error(t, err)
}
