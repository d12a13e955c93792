package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// openPort is replaced in tests.
var openPort = func(path string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(path, mode)
}

// NewRealSerialMux opens the cabinet serial port at path.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := openPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open cabinet port %s: %w", path, err)
	}
	return NewSerialMux(port), nil
}
