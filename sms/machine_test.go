package sms_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"i4.energy/across/modemctl/at"
	"i4.energy/across/modemctl/modem"
	"i4.energy/across/modemctl/sms"
)

// fakeExec is a scripted modem.Executor. Responses are matched by command
// prefix; unscripted commands succeed with a bare OK.
type fakeExec struct {
	mu        sync.Mutex
	commands  []string
	responses map[string]modem.Result
	errs      map[string]error
	// bodyResult answers any command terminated by Ctrl-Z, the message
	// body submitted after the CMGS prompt.
	bodyResult *modem.Result
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		responses: make(map[string]modem.Result),
		errs:      make(map[string]error),
	}
}

func (f *fakeExec) script(prefix string, res modem.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = res
	f.errs[prefix] = err
}

func (f *fakeExec) Execute(ctx context.Context, cmd string) (modem.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	for prefix, res := range f.responses {
		if strings.HasPrefix(cmd, prefix) {
			res.Command = cmd
			return res, f.errs[prefix]
		}
	}
	if f.bodyResult != nil && strings.HasSuffix(cmd, at.CtrlZ) {
		res := *f.bodyResult
		res.Command = cmd
		return res, nil
	}
	return modem.Result{Command: cmd, Outcome: modem.OutcomeSuccess, Final: at.OK}, nil
}

func (f *fakeExec) ExecuteWith(ctx context.Context, cmd string, _ time.Duration, _ int) (modem.Result, error) {
	return f.Execute(ctx, cmd)
}

func (f *fakeExec) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeExec) count(prefix string) int {
	n := 0
	for _, cmd := range f.sent() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// scriptSendFlow makes the CMGS exchange succeed: the address command
// yields the prompt, any body submission yields a reference.
func (f *fakeExec) scriptSendFlow(ref string) {
	f.script("AT+CMGS=", modem.Result{Outcome: modem.OutcomeSuccess, Final: at.Prompt}, nil)
	f.mu.Lock()
	f.bodyResult = &modem.Result{
		Outcome: modem.OutcomeSuccess,
		Final:   at.OK,
		Lines:   []string{"+CMGS: " + ref},
	}
	f.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Condition not reached in time")
}

func runConfig() sms.Config {
	return sms.Config{
		MinSendInterval:  time.Millisecond,
		PollInterval:     time.Hour,
		MaxRetries:       1,
		ReportCheckDelay: time.Hour,
	}
}

func TestSendValidation(t *testing.T) {
	m := sms.NewMachine(newFakeExec(), testLogger(), sms.Config{})

	if _, err := m.Send("bogus", "hi", sms.Options{}); !errors.Is(err, sms.ErrInvalidDestination) {
		t.Fatalf("Expected ErrInvalidDestination, got %v", err)
	}
	if _, err := m.Send("+31612345678", "", sms.Options{}); !errors.Is(err, sms.ErrEmptyBody) {
		t.Fatalf("Expected ErrEmptyBody, got %v", err)
	}
}

func TestSendSingleSegment(t *testing.T) {
	m := sms.NewMachine(newFakeExec(), testLogger(), sms.Config{})

	records, err := m.Send("+31612345678", "hello world", sms.Options{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Status != sms.StatusQueued || rec.Encoding != sms.EncodingGSM7 || rec.Kind != sms.KindNormal {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if rec.Concat != nil {
		t.Error("Single-segment message must not carry a concat header")
	}
}

func TestSendConcatenated(t *testing.T) {
	m := sms.NewMachine(newFakeExec(), testLogger(), sms.Config{})

	body := strings.Repeat("a", 320)
	records, err := m.Send("+31612345678", body, sms.Options{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}

	ref := records[0].Concat.Ref
	for i, rec := range records {
		if rec.Kind != sms.KindConcatenated {
			t.Errorf("Record %d: expected concatenated kind", i)
		}
		if rec.Concat == nil || rec.Concat.Ref != ref || rec.Concat.Part != i+1 || rec.Concat.Total != 3 {
			t.Errorf("Record %d: unexpected concat %+v", i, rec.Concat)
		}
	}

	rejoined := ""
	for _, rec := range records {
		rejoined += rec.Body
	}
	if rejoined != body {
		t.Error("Rejoined segment bodies must reproduce the message")
	}
}

func TestSendQueueFull(t *testing.T) {
	m := sms.NewMachine(newFakeExec(), testLogger(), sms.Config{QueueSize: 2})

	body := strings.Repeat("a", 320) // 3 segments
	records, err := m.Send("+31612345678", body, sms.Options{})
	if !errors.Is(err, sms.ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected all 3 records returned, got %d", len(records))
	}
	if records[2].Status != sms.StatusFailed {
		t.Errorf("Expected overflowed segment failed, got %v", records[2].Status)
	}

	if sent, _ := sms.GroupSent(records); sent {
		t.Error("Expected group not sent")
	}
}

func TestTransmitSuccess(t *testing.T) {
	exec := newFakeExec()
	exec.scriptSendFlow("42")
	m := sms.NewMachine(exec, testLogger(), runConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	outcomes := make(chan bool, 1)
	m.OnOutcome(func(sent bool) { outcomes <- sent })

	if _, err := m.Send("+31612345678", "hello world", sms.Options{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	select {
	case sent := <-outcomes:
		if !sent {
			t.Fatal("Expected success outcome")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for outcome")
	}

	rec := m.History()[0]
	if rec.Status != sms.StatusSent || rec.Reference != 42 {
		t.Fatalf("Unexpected record: %+v", rec)
	}
	if rec.SentAt == nil {
		t.Error("Expected SentAt to be set")
	}

	if exec.count(`AT+CMGS="+31612345678"`) != 1 {
		t.Errorf("Expected one CMGS, got %q", exec.sent())
	}
	body := "hello world" + at.CtrlZ
	if exec.count(body) != 1 {
		t.Errorf("Expected body terminated by Ctrl-Z, got %q", exec.sent())
	}
}

func TestTransmitPromptFailure(t *testing.T) {
	exec := newFakeExec()
	// The address command never yields the prompt.
	exec.script("AT+CMGS=", modem.Result{Outcome: modem.OutcomeSuccess, Final: at.OK}, nil)
	m := sms.NewMachine(exec, testLogger(), runConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if _, err := m.Send("+31612345678", "hello", sms.Options{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	waitFor(t, func() bool { return len(m.History()) == 1 })
	rec := m.History()[0]
	if rec.Status != sms.StatusFailed {
		t.Fatalf("Expected failed record, got %+v", rec)
	}
	if !strings.Contains(rec.FailReason, "prompt") {
		t.Errorf("Expected prompt failure reason, got %q", rec.FailReason)
	}
	if rec.Retries != 1 {
		t.Errorf("Expected one retry, got %d", rec.Retries)
	}
}

func TestDeliveryReport(t *testing.T) {
	exec := newFakeExec()
	exec.scriptSendFlow("42")
	m := sms.NewMachine(exec, testLogger(), runConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if _, err := m.Send("+31612345678", "hello", sms.Options{DeliveryReport: true}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	waitFor(t, func() bool { return len(m.History()) == 1 })

	// The report-request parameters must have been set before the send.
	if exec.count("AT+CSMP=49,167,0,0") != 1 {
		t.Errorf("Expected report-request CSMP, got %q", exec.sent())
	}

	m.HandleURC(`+CDS: 6,42,"+31612345678",145,"24/05/01,10:30:00+08","24/05/01,10:30:05+08",0`)

	waitFor(t, func() bool { return m.History()[0].Status == sms.StatusDelivered })
	rec := m.History()[0]
	if rec.DeliveredAt == nil {
		t.Error("Expected DeliveredAt to be set")
	}
	if len(m.Reports()) != 1 || m.Reports()[0].Reference != 42 {
		t.Errorf("Unexpected reports: %+v", m.Reports())
	}
}

func TestReportCheckSchedulesPoll(t *testing.T) {
	exec := newFakeExec()
	exec.scriptSendFlow("42")
	config := runConfig()
	config.ReportCheckDelay = 5 * time.Millisecond
	m := sms.NewMachine(exec, testLogger(), config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if _, err := m.Send("+31612345678", "hello", sms.Options{DeliveryReport: true}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Even without a +CDS push the machine must come back and poll storage
	// after the configured delay.
	waitFor(t, func() bool { return exec.count(at.CmdListUnread) >= 1 })
}

func TestFlashMessageParameters(t *testing.T) {
	exec := newFakeExec()
	exec.scriptSendFlow("7")
	m := sms.NewMachine(exec, testLogger(), runConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if _, err := m.Send("+31612345678", "alert", sms.Options{Flash: true}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	waitFor(t, func() bool { return len(m.History()) == 1 })

	if exec.count("AT+CSMP=17,167,0,16") != 1 {
		t.Errorf("Expected class-0 CSMP, got %q", exec.sent())
	}
	if exec.count("AT+CSMP=17,167,0,0") != 1 {
		t.Errorf("Expected CSMP reset after send, got %q", exec.sent())
	}
}

func TestUCS2Send(t *testing.T) {
	exec := newFakeExec()
	exec.scriptSendFlow("9")
	m := sms.NewMachine(exec, testLogger(), runConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	records, err := m.Send("+31612345678", "你好", sms.Options{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if records[0].Encoding != sms.EncodingUCS2 {
		t.Fatalf("Expected UCS2 encoding, got %v", records[0].Encoding)
	}

	waitFor(t, func() bool { return len(m.History()) == 1 })
	if m.History()[0].Status != sms.StatusSent {
		t.Fatalf("Unexpected record: %+v", m.History()[0])
	}

	if exec.count(`AT+CSCS="UCS2"`) != 1 {
		t.Errorf("Expected charset switch to UCS2, got %q", exec.sent())
	}
	if exec.count("4F60597D"+at.CtrlZ) != 1 {
		t.Errorf("Expected hex-encoded UCS2 body, got %q", exec.sent())
	}
	if exec.count(`AT+CSCS="GSM"`) != 1 {
		t.Errorf("Expected charset restored, got %q", exec.sent())
	}
}

func TestGroupSent(t *testing.T) {
	records := []*sms.Record{
		{Status: sms.StatusSent},
		{Status: sms.StatusDelivered},
	}
	if sent, n := sms.GroupSent(records); !sent || n != 2 {
		t.Errorf("Expected (true, 2), got (%v, %d)", sent, n)
	}

	records = append(records, &sms.Record{Status: sms.StatusFailed})
	if sent, n := sms.GroupSent(records); sent || n != 2 {
		t.Errorf("Expected (false, 2), got (%v, %d)", sent, n)
	}

	if sent, _ := sms.GroupSent(nil); sent {
		t.Error("Expected empty group not sent")
	}
}

func TestNewMessageNotificationTriggersPoll(t *testing.T) {
	exec := newFakeExec()
	m := sms.NewMachine(exec, testLogger(), runConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.HandleURC(`+CMTI: "SM",1`)

	waitFor(t, func() bool { return exec.count("AT+CMGL") >= 1 })
}

func TestFetchReassemblesMultipart(t *testing.T) {
	exec := newFakeExec()
	exec.script(at.CmdListUnread, modem.Result{
		Outcome: modem.OutcomeSuccess,
		Final:   at.OK,
		Lines: []string{
			`+CMGL: 1,"REC UNREAD","+31612345678",,"24/05/01,10:30:00+08"`,
			"0500032A0201" + "00480045004C004C004F",
			`+CMGL: 2,"REC UNREAD","+31612345678",,"24/05/01,10:30:05+08"`,
			"0500032A0202" + "0057004F0052004C0044",
		},
	}, nil)
	exec.script(at.CmdListRead, modem.Result{Outcome: modem.OutcomeSuccess, Final: at.OK}, nil)

	m := sms.NewMachine(exec, testLogger(), sms.Config{})
	messages, err := m.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected one reassembled message, got %d: %+v", len(messages), messages)
	}

	msg := messages[0]
	if msg.Body != "HELLOWORLD" {
		t.Errorf("Expected HELLOWORLD, got %q", msg.Body)
	}
	if msg.Parts != 2 || msg.Sender != "+31612345678" {
		t.Errorf("Unexpected message: %+v", msg)
	}

	// Drain already consumed the buffer.
	if remaining := m.Messages(); len(remaining) != 0 {
		t.Errorf("Expected empty buffer after Fetch, got %+v", remaining)
	}
}

func TestFetchPlainMessage(t *testing.T) {
	exec := newFakeExec()
	exec.script(at.CmdListUnread, modem.Result{
		Outcome: modem.OutcomeSuccess,
		Final:   at.OK,
		Lines: []string{
			`+CMGL: 3,"REC UNREAD","+31687654321",,"24/05/01,12:00:00+08"`,
			"Hello there",
		},
	}, nil)
	exec.script(at.CmdListRead, modem.Result{Outcome: modem.OutcomeSuccess, Final: at.OK}, nil)

	m := sms.NewMachine(exec, testLogger(), sms.Config{DeleteAfterRead: true})
	messages, err := m.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(messages) != 1 || messages[0].Body != "Hello there" || messages[0].Parts != 1 {
		t.Fatalf("Unexpected messages: %+v", messages)
	}

	if exec.count("AT+CMGD=3") != 1 {
		t.Errorf("Expected stored message deleted, got %q", exec.sent())
	}
}
