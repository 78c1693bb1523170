package modem

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.bug.st/serial"
	"go.uber.org/mock/gomock"
)

func TestSerialDialerEmptyPortName(t *testing.T) {
	dialer := SerialDialer{}

	_, err := dialer.Dial(context.Background())
	if err == nil {
		t.Fatal("Expected error for empty port name")
	}
	if err.Error() != "modem: serial port name is required" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestSerialDialerNilContext(t *testing.T) {
	dialer := SerialDialer{PortName: "/dev/ttyUSB0"}

	_, err := dialer.Dial(nil)
	if err == nil {
		t.Fatal("Expected error for nil context")
	}
	if err.Error() != "modem: context is nil" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestSerialDialerContextCanceled(t *testing.T) {
	dialer := SerialDialer{PortName: "/dev/nonexistent"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dialer.Dial(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestSerialDialerDefaultMode(t *testing.T) {
	dialer := SerialDialer{PortName: "/dev/nonexistent"}

	// The port does not exist; the error must come from opening it, not
	// from mode validation.
	_, err := dialer.Dial(context.Background())
	if err == nil {
		t.Fatal("Expected error for non-existent port")
	}
	if !strings.Contains(err.Error(), "open serial port") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestNewDialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dialErr := errors.New("port is busy")
	dialer := NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(nil, dialErr)

	config, err := NewConfigBuilder().WithDialer(dialer).Build()
	if err != nil {
		t.Fatalf("Build config: %v", err)
	}

	_, err = New(context.Background(), config)
	if !errors.Is(err, dialErr) {
		t.Fatalf("Expected dial error, got %v", err)
	}
}

func TestNewTransportWriteFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	writeErr := errors.New("device gone")
	transport := NewMockTransport(ctrl)
	transport.EXPECT().Write(gomock.Any()).Return(0, writeErr)
	transport.EXPECT().Close().Return(nil)

	dialer := NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

	config, err := NewConfigBuilder().WithDialer(dialer).Build()
	if err != nil {
		t.Fatalf("Build config: %v", err)
	}

	// The first bring-up write fails; New must close the transport and
	// surface the cause.
	_, err = New(context.Background(), config)
	if !errors.Is(err, writeErr) {
		t.Fatalf("Expected write error, got %v", err)
	}
	if !strings.Contains(err.Error(), "initialize modem") {
		t.Errorf("Expected initialization context in error, got %v", err)
	}
}

// stubPort overrides Read on an otherwise unused serial.Port.
type stubPort struct {
	serial.Port
	reads int
}

func (s *stubPort) Read(p []byte) (int, error) {
	s.reads++
	switch {
	case s.reads < 3:
		// Expired read timeout: go.bug.st/serial yields (0, nil).
		return 0, nil
	default:
		return copy(p, "OK"), nil
	}
}

func TestSerialTransportRetriesZeroByteRead(t *testing.T) {
	port := &stubPort{}
	transport := &serialTransport{port: port}

	buf := make([]byte, 8)
	n, err := transport.Read(buf)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if n != 2 || string(buf[:n]) != "OK" {
		t.Fatalf("Expected data after retries, got %q", buf[:n])
	}
	if port.reads != 3 {
		t.Errorf("Expected 3 underlying reads, got %d", port.reads)
	}
}

func TestTransportInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	transport := NewMockTransport(ctrl)
	transport.EXPECT().Write([]byte("AT\r")).Return(3, nil)
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		return copy(p, "\r\nOK\r\n"), nil
	})
	transport.EXPECT().Close().Return(nil)

	var tr Transport = transport
	if n, err := tr.Write([]byte("AT\r")); n != 3 || err != nil {
		t.Errorf("Unexpected write result: %d, %v", n, err)
	}
	buf := make([]byte, 16)
	n, err := tr.Read(buf)
	if err != nil || string(buf[:n]) != "\r\nOK\r\n" {
		t.Errorf("Unexpected read result: %q, %v", buf[:n], err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Unexpected close error: %v", err)
	}
}

func TestDialerInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	transport := NewMockTransport(ctrl)
	dialer := NewMockDialer(ctrl)
	ctx := context.Background()
	dialer.EXPECT().Dial(ctx).Return(transport, nil)

	var d Dialer = dialer
	got, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != Transport(transport) {
		t.Error("Expected the dialed transport back")
	}
}
