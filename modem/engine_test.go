package modem_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"i4.energy/across/modemctl/at"
	"i4.energy/across/modemctl/modem"
)

// bringUpScript answers the initialization sequence: liveness, echo off,
// error format, SIM status, text mode, caller ID, message routing,
// audio route.
var bringUpScript = []string{
	"\r\nOK\r\n",                  // AT
	"\r\nOK\r\n",                  // ATE0
	"\r\nOK\r\n",                  // AT+CMEE=2
	"\r\n+CPIN: READY\r\n\r\nOK\r\n", // AT+CPIN?
	"\r\nOK\r\n",                  // AT+CMGF=1
	"\r\nOK\r\n",                  // AT+CLIP=1
	"\r\nOK\r\n",                  // AT+CNMI=2,1,0,1,0
	"\r\nOK\r\n",                  // AT+CHFA=1
}

// identityScript answers the identity snapshot queries.
var identityScript = []string{
	"\r\nQuectel\r\n\r\nOK\r\n",                  // AT+CGMI
	"\r\nBG96\r\n\r\nOK\r\n",                     // AT+CGMM
	"\r\nRevision: 1\r\n\r\nOK\r\n",              // AT+CGMR
	"\r\n866425030123456\r\n\r\nOK\r\n",          // AT+CGSN
	"\r\n+COPS: 0,0,\"Vodafone\",7\r\n\r\nOK\r\n", // AT+COPS?
	"\r\n+CSQ: 21,99\r\n\r\nOK\r\n",              // AT+CSQ
	"\r\n+CREG: 0,1\r\n\r\nOK\r\n",               // AT+CREG?
	"\r\n+CPIN: READY\r\n\r\nOK\r\n",             // AT+CPIN?
}

// newEngine constructs an engine against a scripted test transport. The
// script goroutine feeds the construction-time responses in order.
func newEngine(t *testing.T) (*modem.Engine, *modem.TestTransport) {
	t.Helper()

	transport := modem.NewTestTransport()
	go func() {
		for _, chunk := range append(append([]string(nil), bringUpScript...), identityScript...) {
			transport.SendData(chunk)
		}
	}()

	config, err := modem.NewConfigBuilder().
		WithDialer(modem.TestDialer{Transport: transport}).
		WithATTimeout(2 * time.Second).
		WithRetryBackoff(10 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("Build config: %v", err)
	}

	engine, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine, transport
}

// startLoop runs the engine loop for the duration of the test.
func startLoop(t *testing.T, engine *modem.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Loop(ctx)
}

// awaitWrites polls until the transport has seen at least n writes. It is
// safe to call from responder goroutines.
func awaitWrites(transport *modem.TestTransport, n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(transport.Writes()) >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// waitForWrites is awaitWrites that fails the test on expiry.
func waitForWrites(t *testing.T, transport *modem.TestTransport, n int) {
	t.Helper()
	if !awaitWrites(transport, n) {
		t.Fatalf("Expected %d writes, got %d: %q", n, len(transport.Writes()), transport.Writes())
	}
}

func TestNewRunsBringUp(t *testing.T) {
	engine, transport := newEngine(t)

	writes := transport.Writes()
	expected := []string{
		"AT\r", "ATE0\r", "AT+CMEE=2\r", "AT+CPIN?\r",
		"AT+CMGF=1\r", "AT+CLIP=1\r", "AT+CNMI=2,1,0,1,0\r", "AT+CHFA=1\r",
	}
	if len(writes) < len(expected) {
		t.Fatalf("Expected at least %d writes, got %q", len(expected), writes)
	}
	for i, want := range expected {
		if writes[i] != want {
			t.Errorf("Write %d: expected %q, got %q", i, want, writes[i])
		}
	}

	identity := engine.Identity()
	if identity.Manufacturer != "Quectel" || identity.Model != "BG96" {
		t.Errorf("Unexpected identity: %+v", identity)
	}
	if identity.IMEI != "866425030123456" {
		t.Errorf("Unexpected IMEI: %q", identity.IMEI)
	}
	if identity.Operator != "Vodafone" {
		t.Errorf("Unexpected operator: %q", identity.Operator)
	}
	if !identity.Registered || !identity.SIMReady {
		t.Errorf("Expected registered and SIM ready: %+v", identity)
	}
}

func TestNewSIMPinRequired(t *testing.T) {
	transport := modem.NewTestTransport()
	go func() {
		transport.SendData("\r\nOK\r\n") // AT
		transport.SendData("\r\nOK\r\n") // ATE0
		transport.SendData("\r\nOK\r\n") // AT+CMEE=2
		transport.SendData("\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n")
	}()

	config, err := modem.NewConfigBuilder().
		WithDialer(modem.TestDialer{Transport: transport}).
		Build()
	if err != nil {
		t.Fatalf("Build config: %v", err)
	}

	_, err = modem.New(context.Background(), config)
	if !errors.Is(err, modem.ErrSIMPinRequired) {
		t.Fatalf("Expected ErrSIMPinRequired, got %v", err)
	}
}

func TestNewWithoutDialer(t *testing.T) {
	_, err := modem.New(context.Background(), modem.Config{})
	if !errors.Is(err, modem.ErrNoDialer) {
		t.Fatalf("Expected ErrNoDialer, got %v", err)
	}
}

func TestExecuteSuccess(t *testing.T) {
	engine, transport := newEngine(t)
	startLoop(t, engine)

	writesBefore := len(transport.Writes())
	go func() {
		awaitWrites(transport, writesBefore+1)
		transport.SendData("\r\n+CSQ: 15,99\r\n\r\nOK\r\n")
	}()

	res, err := engine.Execute(context.Background(), at.CmdSignalQuality)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !res.OK() {
		t.Fatalf("Expected success, got %s (%q)", res.Outcome, res.Final)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "+CSQ: 15,99" {
		t.Errorf("Unexpected lines: %q", res.Lines)
	}
	if engine.ConsecutiveErrors() != 0 {
		t.Errorf("Expected error counter reset, got %d", engine.ConsecutiveErrors())
	}
}

func TestExecuteDeviceErrorNotRetried(t *testing.T) {
	engine, transport := newEngine(t)
	startLoop(t, engine)

	writesBefore := len(transport.Writes())
	go func() {
		awaitWrites(transport, writesBefore+1)
		transport.SendData("\r\n+CME ERROR: 10\r\n")
	}()

	res, err := engine.Execute(context.Background(), at.CmdSimStatus)
	if err == nil {
		t.Fatal("Expected error for +CME ERROR final")
	}
	if res.Outcome != modem.OutcomeError {
		t.Fatalf("Expected error outcome, got %s", res.Outcome)
	}

	// A device-reported error is a completed exchange; exactly one attempt.
	time.Sleep(50 * time.Millisecond)
	if got := len(transport.Writes()) - writesBefore; got != 1 {
		t.Errorf("Expected 1 attempt, got %d", got)
	}
	if engine.ConsecutiveErrors() != 1 {
		t.Errorf("Expected 1 consecutive error, got %d", engine.ConsecutiveErrors())
	}
}

func TestExecuteTimeoutRetries(t *testing.T) {
	engine, transport := newEngine(t)
	startLoop(t, engine)

	writesBefore := len(transport.Writes())
	res, err := engine.ExecuteWith(context.Background(), at.CmdAt, 50*time.Millisecond, 2)
	if err == nil {
		t.Fatal("Expected error after exhausted retries")
	}
	if res.Outcome != modem.OutcomeTimeout {
		t.Fatalf("Expected timeout outcome, got %s", res.Outcome)
	}

	waitForWrites(t, transport, writesBefore+3)
	if got := len(transport.Writes()) - writesBefore; got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if engine.ConsecutiveErrors() == 0 {
		t.Error("Expected consecutive error counter to increase")
	}
}

func TestExecuteTotalTimeBounded(t *testing.T) {
	transport := modem.NewTestTransport()
	go func() {
		for _, chunk := range append(append([]string(nil), bringUpScript...), identityScript...) {
			transport.SendData(chunk)
		}
	}()

	config, err := modem.NewConfigBuilder().
		WithDialer(modem.TestDialer{Transport: transport}).
		WithATTimeout(2 * time.Second).
		WithRetryBackoff(300 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("Build config: %v", err)
	}
	engine, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	startLoop(t, engine)

	// Backoff sleeps count against the timeout × (retries+1) budget; with
	// a 300ms backoff the exchange would otherwise run for over a second.
	start := time.Now()
	_, err = engine.ExecuteWith(context.Background(), at.CmdAt, 50*time.Millisecond, 3)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected error after exhausted retries")
	}
	if elapsed > 600*time.Millisecond {
		t.Errorf("Expected exchange bounded by the budget, took %v", elapsed)
	}
}

func TestURCDispatch(t *testing.T) {
	engine, transport := newEngine(t)
	startLoop(t, engine)

	transport.SendData("\r\n+CMTI: \"SM\",1\r\n")

	select {
	case urc := <-engine.URC():
		if urc != `+CMTI: "SM",1` {
			t.Errorf("Unexpected URC: %q", urc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected URC on channel")
	}
}

func TestURCDuringCommand(t *testing.T) {
	engine, transport := newEngine(t)
	startLoop(t, engine)

	writesBefore := len(transport.Writes())
	go func() {
		awaitWrites(transport, writesBefore+1)
		transport.SendData("\r\nRING\r\n\r\n+CSQ: 20,99\r\n\r\nOK\r\n")
	}()

	res, err := engine.Execute(context.Background(), at.CmdSignalQuality)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "+CSQ: 20,99" {
		t.Errorf("Expected URC filtered from lines, got %q", res.Lines)
	}

	select {
	case urc := <-engine.URC():
		if urc != "RING" {
			t.Errorf("Unexpected URC: %q", urc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected RING on URC channel")
	}
}

func TestLoopSingleInstance(t *testing.T) {
	engine, _ := newEngine(t)
	startLoop(t, engine)

	// Give the first Loop a moment to claim ownership.
	time.Sleep(10 * time.Millisecond)
	if err := engine.Loop(context.Background()); !errors.Is(err, modem.ErrLoopRunning) {
		t.Fatalf("Expected ErrLoopRunning, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	engine, _ := newEngine(t)

	if err := engine.Close(); err != nil {
		t.Fatalf("Expected no error on first close, got %v", err)
	}
	if err := engine.Close(); !errors.Is(err, modem.ErrAlreadyClosed) {
		t.Fatalf("Expected ErrAlreadyClosed, got %v", err)
	}
}

func TestExecuteAfterClose(t *testing.T) {
	engine, _ := newEngine(t)
	engine.Close()

	_, err := engine.Execute(context.Background(), at.CmdAt)
	if !errors.Is(err, modem.ErrAlreadyClosed) {
		t.Fatalf("Expected ErrAlreadyClosed, got %v", err)
	}
}

func TestResultClassification(t *testing.T) {
	engine, transport := newEngine(t)
	startLoop(t, engine)

	writesBefore := len(transport.Writes())
	go func() {
		awaitWrites(transport, writesBefore+1)
		transport.SendData("> ")
	}()

	res, err := engine.ExecuteWith(context.Background(), at.SendSMS("+31612345678"), time.Second, 0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !res.Prompted() {
		t.Fatalf("Expected prompt final, got %q", res.Final)
	}
	if !strings.HasSuffix(transport.Writes()[writesBefore], "\r") {
		t.Error("Expected command terminated with CR")
	}
}
