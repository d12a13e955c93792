package serialmux

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested
	ShortWrite bool

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for t.BlockReads && !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err = t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of everything written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.WriteBuffer.Bytes())
}

// LoopbackPort simulates a cabinet that acknowledges every actuation line.
// It backs the cabinet link in development mode.
type LoopbackPort struct {
	*TestableSerialPort
}

// NewLoopbackPort creates a loopback cabinet port.
func NewLoopbackPort() *LoopbackPort {
	p := &LoopbackPort{TestableSerialPort: NewTestableSerialPort()}
	p.BlockReads = true
	return p
}

// Write records p and queues an acknowledgement for every JSON line in it.
func (p *LoopbackPort) Write(b []byte) (int, error) {
	n, err := p.TestableSerialPort.Write(b)
	if err != nil {
		return n, err
	}
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		var cmd CabinetLine
		if json.Unmarshal(line, &cmd) != nil || cmd.Type != "" {
			continue
		}
		ack, _ := json.Marshal(CabinetLine{Type: LineAck, IntersectionID: cmd.IntersectionID, Phase: cmd.Phase})
		p.AddReadData(append(ack, '\n'))
	}
	return n, nil
}

// NewLoopbackSerialMux creates a SerialMux over a LoopbackPort.
func NewLoopbackSerialMux() *SerialMux[*LoopbackPort] {
	return NewSerialMux(NewLoopbackPort())
}
