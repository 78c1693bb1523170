package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/modemctl/at"
)

// Engine owns the serial channel to one GSM modem and serializes command
// execution over it. All higher-level machines (call, SMS, health) operate
// through the Engine; it guarantees at most one in-flight command per modem
// by funnelling every exchange through a single event loop that is the only
// reader and writer of the transport.
type Engine struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the engine configuration settings
	config Config
	// closed indicates if the engine has been shut down
	closed atomic.Bool
	// loopRunning indicates if the Loop is currently running
	loopRunning atomic.Bool

	// urcChan receives Unsolicited Result Codes from the modem
	urcChan chan string
	// commands queues AT command requests for the Loop to process
	commands chan *commandRequest

	// loopCancel cancels the main event loop
	loopCancel context.CancelFunc

	// consecErrors counts command failures since the last success. The
	// health monitor consumes it to decide on recovery.
	consecErrors atomic.Int64

	mu        sync.RWMutex
	identity  Identity
	startedAt time.Time
}

// Executor is the single command-execution contract consumed by the call,
// SMS and health machines. Execute applies the engine's configured timeout
// and retry budget; ExecuteWith overrides both for a single command.
type Executor interface {
	Execute(ctx context.Context, cmd string) (Result, error)
	ExecuteWith(ctx context.Context, cmd string, timeout time.Duration, retries int) (Result, error)
}

var _ Executor = (*Engine)(nil)

// commandRequest represents an AT command request to be executed by the Loop.
type commandRequest struct {
	// cmd is the AT command string to send to the modem
	cmd string
	// respChan receives the command response from the Loop
	respChan chan commandResponse
	// ctx provides timeout and cancellation control for the command
	ctx context.Context
}

// commandResponse contains the raw result of one AT command exchange.
type commandResponse struct {
	// lines are the intermediate data lines collected before the terminal
	lines []string
	// final is the terminal token that ended the response
	final string
	// err contains any transport or cancellation error
	err error
}

// PollConfig defines configuration for polling operations like waiting for
// SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New creates a new Engine with the given configuration. It establishes the
// transport connection, runs the bring-up sequence (liveness check, echo
// off, error format, SMS text mode, caller ID, audio route, SIM readiness)
// and snapshots the device identity.
//
// New fails fast if the modem does not answer the liveness check or the SIM
// cannot become ready. A failure here is fatal only to this modem; sibling
// modems are unaffected.
func New(ctx context.Context, config Config) (*Engine, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:    config,
		transport: transport,
		urcChan:   make(chan string, 100), // Buffered to prevent blocking on URCs
		// No queue for commands
		commands:  make(chan *commandRequest),
		startedAt: time.Now(),
	}

	// Initialize the modem with proper timeout
	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := e.bringUp(initCtx, e.execDirect); err != nil {
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	if err := e.loadIdentity(initCtx, e.execDirect); err != nil {
		// Identity is a cache; a partial snapshot is not fatal.
		e.mu.Lock()
		e.identity.RefreshedAt = time.Now()
		e.mu.Unlock()
	}

	return e, nil
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called exactly once after New() and before any Execute call.
// The Loop is the ONLY goroutine that touches the transport once running,
// which enforces the one-command-in-flight invariant and guarantees URCs
// are never lost to a competing reader.
//
// The Loop runs until the provided context is cancelled or the transport
// fails.
func (e *Engine) Loop(ctx context.Context) error {
	if !e.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer e.loopRunning.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.loopCancel = cancel
	e.mu.Unlock()
	defer cancel()

	scanner := bufio.NewScanner(e.transport)
	scanner.Split(at.Splitter)

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	// Start goroutine to read tokens from transport
	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token != "" {
				select {
				case tokens <- token:
				case <-ctx.Done():
					return
				}
			}
		}
		// Scanner stopped - check if there was an error
		if err := scanner.Err(); err != nil {
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	// Current command being processed
	var currentCmd *commandRequest
	var currentLines []string

	finish := func(resp commandResponse) {
		currentCmd.respChan <- resp
		currentCmd = nil
		currentLines = nil
	}

	for {
		// When a command is in flight, also watch its own deadline so a
		// timed-out command cannot occupy the channel forever.
		var cmdDone <-chan struct{}
		if currentCmd != nil {
			cmdDone = currentCmd.ctx.Done()
		}

		select {
		case <-ctx.Done():
			// Context cancelled - shut down gracefully
			if currentCmd != nil {
				finish(commandResponse{err: ctx.Err()})
			}
			return ctx.Err()

		case <-cmdDone:
			finish(commandResponse{lines: currentLines, err: currentCmd.ctx.Err()})

		case req := <-e.commands:
			currentCmd = req
			currentLines = nil

			// Write the AT command to the transport
			wire := strings.TrimSpace(req.cmd) + "\r"
			if _, err := e.transport.Write([]byte(wire)); err != nil {
				finish(commandResponse{err: fmt.Errorf("write command %q: %w", req.cmd, err)})
			}

		case token, ok := <-tokens:
			if !ok {
				// Token channel closed - scanner stopped
				if currentCmd != nil {
					finish(commandResponse{lines: currentLines, err: io.EOF})
				}
				return io.EOF
			}

			switch at.Classify(token) {
			case at.TypeURC:
				// Unsolicited Result Code - always dispatch to URC channel.
				// URCs can arrive at any time, even during command execution.
				select {
				case e.urcChan <- token:
				default:
					// URC channel is full - drop the URC
				}

			case at.TypeFinal:
				// Final response (OK, ERROR, +CME ERROR, etc.)
				if currentCmd != nil {
					finish(commandResponse{lines: currentLines, final: token})
				}
				// If no current command, ignore the final response (orphaned)

			case at.TypeData:
				// Intermediate data response (e.g., +CSQ: 15,99)
				if currentCmd != nil {
					currentLines = append(currentLines, token)
				}
				// If no current command, ignore the data (orphaned)

			case at.TypePrompt:
				// SMS prompt (">") - return immediately for SMS text input
				if currentCmd != nil {
					finish(commandResponse{lines: currentLines, final: at.Prompt})
				}
			}

		case err := <-scanErrs:
			// Scanner error - notify current command if any
			if currentCmd != nil {
				finish(commandResponse{lines: currentLines, err: fmt.Errorf("read error: %w", err)})
			}
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// URC returns a read-only channel that receives Unsolicited Result Codes.
// These are asynchronous notifications from the modem (e.g., incoming SMS,
// RING, caller ID, received DTMF). The channel is buffered, but may drop
// URCs if not consumed fast enough.
func (e *Engine) URC() <-chan string {
	return e.urcChan
}

// Execute runs one AT command with the engine's configured timeout and
// retry budget and returns its uniform Result.
func (e *Engine) Execute(ctx context.Context, cmd string) (Result, error) {
	return e.ExecuteWith(ctx, cmd, e.config.ATTimeout, e.config.MaxRetries)
}

// ExecuteWith runs one AT command with explicit per-attempt timeout and
// retry count. Timeouts and transport failures are retried with a short
// backoff; an error final reported by the device is a completed exchange
// and is returned immediately. The total time is bounded by
// timeout × (retries+1); backoff sleeps are spent inside that budget.
//
// On any non-success outcome a non-nil error is returned alongside the
// Result, and the consecutive-error counter is incremented; a success
// resets it.
func (e *Engine) ExecuteWith(ctx context.Context, cmd string, timeout time.Duration, retries int) (Result, error) {
	if e.closed.Load() {
		return Result{}, ErrAlreadyClosed
	}
	if retries < 0 {
		retries = 0
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout*time.Duration(retries+1))
		defer cancel()
	}

	var res Result
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				e.consecErrors.Add(1)
				return res, ctx.Err()
			}
		}

		res = e.attempt(ctx, cmd, timeout)
		switch res.Outcome {
		case OutcomeSuccess:
			e.consecErrors.Store(0)
			return res, nil
		case OutcomeError:
			e.consecErrors.Add(1)
			return res, fmt.Errorf("command %q rejected: %s", cmd, res.Final)
		case OutcomeInvalid:
			e.consecErrors.Add(1)
			return res, fmt.Errorf("command %q: malformed response %q", cmd, res.Payload)
		}
		// timeout or no-response: retry
	}

	e.consecErrors.Add(1)
	return res, fmt.Errorf("command %q: %s after %d attempts", cmd, res.Outcome, retries+1)
}

// attempt performs a single exchange and classifies it.
func (e *Engine) attempt(ctx context.Context, cmd string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp := e.exec(ctx, cmd)
	return Result{
		Command:  cmd,
		Outcome:  classify(resp.final, resp.err),
		Final:    resp.final,
		Lines:    resp.lines,
		Payload:  strings.Join(resp.lines, "\n"),
		Duration: time.Since(start),
	}
}

// exec sends an AT command to the Loop and waits for the raw response.
// The Loop must be running.
func (e *Engine) exec(ctx context.Context, cmd string) commandResponse {
	if e.closed.Load() {
		return commandResponse{err: ErrAlreadyClosed}
	}
	if e.transport == nil {
		return commandResponse{err: ErrNotInitialized}
	}

	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking
		ctx:      ctx,
	}

	select {
	case e.commands <- req:
	case <-ctx.Done():
		return commandResponse{err: ctx.Err()}
	}

	// The Loop always answers, either with a response or the command's own
	// context error, so waiting on respChan alone cannot deadlock.
	resp := <-req.respChan
	return resp
}

// ConsecutiveErrors returns the number of command failures since the last
// successful command.
func (e *Engine) ConsecutiveErrors() int {
	return int(e.consecErrors.Load())
}

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return time.Since(e.startedAt)
}

// Close shuts down the engine and releases all resources. It stops the
// event loop, closes the transport connection, and marks the engine as
// closed. After Close the engine cannot be reused.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	e.mu.RLock()
	cancel := e.loopCancel
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	if e.transport != nil {
		return e.transport.Close()
	}
	return nil
}

// execFn abstracts the exchange primitive so the bring-up sequence can run
// both before the Loop starts (direct transport access during New) and
// after (through the Loop, during a full reset).
type execFn func(ctx context.Context, cmd string) commandResponse

// bringUp performs the initial setup sequence for the modem hardware.
func (e *Engine) bringUp(ctx context.Context, run execFn) error {
	// 1. Wake-up / sanity check
	if err := expectOK(ctx, run, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if err := expectOK(ctx, run, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	if err := expectOK(ctx, run, at.CmdVerboseErrors); err != nil {
		return fmt.Errorf("could not set error format: %w", err)
	}

	// SIM readiness, entering the PIN if one is configured
	if err := e.ensureSIMReady(ctx, run); err != nil {
		return err
	}

	if err := expectOK(ctx, run, at.CmdSetTextMode); err != nil {
		return fmt.Errorf("set SMS text mode: %w", err)
	}

	if err := expectOK(ctx, run, at.CmdCallerID); err != nil {
		return fmt.Errorf("enable caller ID: %w", err)
	}

	// Route new-message and delivery-report notifications (+CMTI, +CDS)
	// to the serial link so they reach the URC channel.
	if err := expectOK(ctx, run, at.CmdMessageRouting); err != nil {
		return fmt.Errorf("configure message notifications: %w", err)
	}

	// Audio routing is chipset-specific; not all modems accept it.
	_ = expectOK(ctx, run, at.CmdAudioRoute)

	return nil
}

func (e *Engine) ensureSIMReady(ctx context.Context, run execFn) error {
	resp := run(ctx, at.CmdSimStatus)
	if resp.err != nil {
		return fmt.Errorf("query SIM status: %w", resp.err)
	}
	status := strings.Join(resp.lines, "\n")

	switch {
	case strings.Contains(status, at.SimReady):
		return nil

	case strings.Contains(status, at.SimPin):
		if e.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		if err := expectOK(ctx, run, at.EnterPIN(e.config.SimPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}
		return e.waitForSIMReady(ctx, run, PollConfig{})

	default:
		return fmt.Errorf("unsupported SIM state: %q", status)
	}
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// This is necessary after entering a SIM PIN, as the SIM card needs time
// to authenticate and become operational.
func (e *Engine) waitForSIMReady(ctx context.Context, run execFn, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			resp := run(ctx, at.CmdSimStatus)
			if resp.err != nil {
				if errors.Is(resp.err, ErrAlreadyClosed) || errors.Is(resp.err, ErrNotInitialized) {
					return fmt.Errorf("SIM status check failed: %w", resp.err)
				}
				continue
			}
			if strings.Contains(strings.Join(resp.lines, "\n"), at.SimReady) {
				return nil
			}
		}
	}
}

// SoftReset restarts the modem's radio stack (AT+CFUN=1,1) without
// replaying the bring-up sequence. Most chipsets retain their profile
// across a functional restart.
func (e *Engine) SoftReset(ctx context.Context) error {
	res, err := e.Execute(ctx, at.CmdSoftReset)
	if err != nil {
		return fmt.Errorf("soft reset: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("soft reset: unexpected outcome %s", res.Outcome)
	}
	return nil
}

// FullReset restores the factory profile (ATZ) and replays the full
// bring-up sequence through the running Loop.
func (e *Engine) FullReset(ctx context.Context) error {
	if res, err := e.Execute(ctx, at.CmdFactoryProfile); err != nil || !res.OK() {
		return fmt.Errorf("factory profile reset failed: %w", err)
	}
	if err := e.bringUp(ctx, e.exec); err != nil {
		return fmt.Errorf("re-initialize after reset: %w", err)
	}
	e.consecErrors.Store(0)
	return nil
}

// expectOK executes an AT command and validates that it concluded with OK.
func expectOK(ctx context.Context, run execFn, cmd string) error {
	resp := run(ctx, cmd)
	if resp.err != nil {
		return resp.err
	}
	if resp.final != at.OK {
		return fmt.Errorf("unexpected response to %q: %q", cmd, resp.final)
	}
	return nil
}

// execDirect executes an AT command directly on the transport without
// using the channel mechanism. It is used during construction, when the
// Loop is not yet accepting commands.
//
// WARNING: This method must only be used before Loop starts.
func (e *Engine) execDirect(ctx context.Context, cmd string) commandResponse {
	if e.closed.Load() {
		return commandResponse{err: ErrAlreadyClosed}
	}
	if e.transport == nil {
		return commandResponse{err: ErrNotInitialized}
	}

	if _, ok := ctx.Deadline(); !ok && e.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ATTimeout)
		defer cancel()
	}

	wire := strings.TrimSpace(cmd) + "\r"
	if _, err := e.transport.Write([]byte(wire)); err != nil {
		return commandResponse{err: fmt.Errorf("write command %q: %w", cmd, err)}
	}

	scanner := bufio.NewScanner(e.transport)
	scanner.Split(at.Splitter)

	var lines []string

	for {
		select {
		case <-ctx.Done():
			return commandResponse{lines: lines, err: ctx.Err()}
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return commandResponse{lines: lines, err: fmt.Errorf("read error: %w", err)}
			}
			return commandResponse{lines: lines, err: io.EOF}
		}

		token := scanner.Text()
		if token == "" {
			continue
		}

		switch at.Classify(token) {
		case at.TypeFinal:
			return commandResponse{lines: lines, final: token}
		case at.TypeData:
			lines = append(lines, token)
		case at.TypeURC:
			// Ignore URCs during direct execution
			continue
		case at.TypePrompt:
			return commandResponse{lines: lines, final: at.Prompt}
		}
	}
}
