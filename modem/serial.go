package modem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialDialer opens a GSM modem over a local serial port using
// go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB0".
	PortName string
	// Mode configures baud rate, parity, data and stop bits.
	// When nil, 115200 8N1 is used.
	Mode *serial.Mode
	// ReadTimeout bounds a single blocking Read on the port. A bounded
	// read keeps the engine's scanner goroutine responsive to shutdown.
	ReadTimeout time.Duration
}

// SerialMode returns an 8N1 mode at the given baud rate.
func SerialMode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Dial opens and configures the serial port.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		mode = SerialMode(115200)
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = time.Second
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", d.PortName, err)
	}

	return &serialTransport{port: port}, nil
}

// serialTransport adapts a serial.Port to the blocking-read semantics the
// engine's scanner expects. go.bug.st/serial returns (0, nil) when the read
// timeout expires with no data, which bufio.Scanner treats as no progress;
// re-issuing the read turns the expiry into a poll. Close unblocks the
// pending Read with an error.
type serialTransport struct {
	port serial.Port
}

func (t *serialTransport) Read(p []byte) (int, error) {
	for {
		n, err := t.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (t *serialTransport) Write(p []byte) (int, error) { return t.port.Write(p) }

func (t *serialTransport) Close() error { return t.port.Close() }
