package relay

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mojo333/udp-repeater/internal/transport"
)

const pollTimeout = 10 * time.Millisecond

type harness struct {
	engine *Engine
	in     *transport.Memory
	out    *transport.Memory
	ended  chan Status
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		in:    transport.NewMemory(pollTimeout),
		out:   transport.NewMemory(pollTimeout),
		ended: make(chan Status, 4),
	}
	h.engine = New(Options{
		NewInput:   func(Config) transport.Transport { return h.in },
		NewOutput:  func(Config) transport.Transport { return h.out },
		OnRunEnded: func(s Status) { h.ended <- s },
	})
	t.Cleanup(func() { h.engine.Close() })
	return h
}

func (h *harness) configure(t *testing.T, mutate func(*Config)) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if err := h.engine.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

func (h *harness) receive(t *testing.T, n int) []transport.Datagram {
	t.Helper()
	var got []transport.Datagram
	deadline := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case d := <-h.out.Sent():
			got = append(got, d)
		case <-deadline:
			t.Fatalf("received %d datagrams, want %d", len(got), n)
		}
	}
	return got
}

func (h *harness) waitEnded(t *testing.T) Status {
	t.Helper()
	select {
	case s := <-h.ended:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("run-ended callback not invoked")
	}
	return Status{}
}

func testConfig() Config {
	return Config{
		InputAddress:  "225.1.1.1",
		InputPort:     11400,
		OutputAddress: "127.0.0.1",
		OutputPort:    20000,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRelayForwardsUnchanged(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.engine.State() != StateRunning || h.engine.Mode() != ModeRelay {
		t.Fatalf("state/mode = %s/%s, want running/relay", h.engine.State(), h.engine.Mode())
	}

	var sent [][]byte
	for i := range 5 {
		p := bytes.Repeat([]byte{byte(i)}, 100)
		sent = append(sent, p)
		h.in.Inject(p)
	}

	got := h.receive(t, 5)
	for i, d := range got {
		if !bytes.Equal(d.Payload, sent[i]) {
			t.Errorf("datagram %d altered: got %d bytes starting %x", i, len(d.Payload), d.Payload[:1])
		}
		if d.Host != "127.0.0.1" || d.Port != 20000 {
			t.Errorf("datagram %d sent to %s:%d", i, d.Host, d.Port)
		}
	}

	eventually(t, "5 packets received", func() bool { return h.engine.PacketsReceived() == 5 })
	if h.engine.MinPacketLen() != 100 || h.engine.MaxPacketLen() != 100 {
		t.Errorf("min/max = %d/%d, want 100/100", h.engine.MinPacketLen(), h.engine.MaxPacketLen())
	}
	if h.engine.PacketsDiscarded() != 0 {
		t.Errorf("PacketsDiscarded = %d, want 0", h.engine.PacketsDiscarded())
	}
	if h.engine.SequenceCounter() != 0 {
		t.Errorf("SequenceCounter = %d with tagging off", h.engine.SequenceCounter())
	}

	h.engine.Stop()
	if h.engine.State() != StateIdle {
		t.Errorf("State after Stop = %s, want idle", h.engine.State())
	}
	if h.in.IsOpen() || h.out.IsOpen() {
		t.Error("transports still open after Stop")
	}
}

func TestRelayTagsInOrder(t *testing.T) {
	h := newHarness(t)
	h.configure(t, func(c *Config) { c.AddSequenceCounter = true })

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		h.in.Inject([]byte("payload"))
	}

	for i, d := range h.receive(t, 3) {
		want := fmt.Sprintf("payload%010d", i+1)
		if string(d.Payload) != want {
			t.Errorf("datagram %d = %q, want %q", i, d.Payload, want)
		}
	}
	eventually(t, "3 packets received", func() bool { return h.engine.PacketsReceived() == 3 })
	// length bounds are taken before tagging
	if h.engine.MaxPacketLen() != 7 {
		t.Errorf("MaxPacketLen = %d, want 7", h.engine.MaxPacketLen())
	}
	if h.engine.SequenceCounter() != 3 {
		t.Errorf("SequenceCounter = %d, want 3", h.engine.SequenceCounter())
	}
}

func TestGenerateWithCap(t *testing.T) {
	h := newHarness(t)
	h.configure(t, func(c *Config) { c.AddSequenceCounter = true })

	if err := h.engine.StartGenerating(20, 100, 10); err != nil {
		t.Fatalf("StartGenerating: %v", err)
	}
	if h.engine.Mode() != ModeGenerate {
		t.Errorf("Mode = %s, want generate", h.engine.Mode())
	}

	status := h.waitEnded(t)
	if status.State != StateIdle {
		t.Errorf("callback state = %s, want idle", status.State)
	}
	if status.PacketsReceived != 10 {
		t.Errorf("callback PacketsReceived = %d, want 10", status.PacketsReceived)
	}

	for i, d := range h.receive(t, 10) {
		if len(d.Payload) != 20 {
			t.Fatalf("datagram %d is %d bytes, want 20", i, len(d.Payload))
		}
		if got, want := string(d.Payload[10:]), fmt.Sprintf("%010d", i+1); got != want {
			t.Errorf("datagram %d trailer = %q, want %q", i, got, want)
		}
		if string(d.Payload[:10]) != "ABCDEFGHIJ" {
			t.Errorf("datagram %d body = %q", i, d.Payload[:10])
		}
	}
	if extra := len(h.out.Sent()); extra != 0 {
		t.Errorf("%d datagrams sent past the cap", extra)
	}
	if h.engine.MinPacketLen() != 20 || h.engine.MaxPacketLen() != 20 {
		t.Errorf("min/max = %d/%d, want 20/20", h.engine.MinPacketLen(), h.engine.MaxPacketLen())
	}
	if h.engine.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.engine.State())
	}
}

func TestRelayCapIsExact(t *testing.T) {
	h := newHarness(t)
	h.configure(t, func(c *Config) { c.TotalPackets = 3 })

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	for range 5 {
		h.in.Inject([]byte("x"))
	}

	status := h.waitEnded(t)
	if status.PacketsReceived != 3 {
		t.Errorf("PacketsReceived = %d, want 3", status.PacketsReceived)
	}
	h.receive(t, 3)
	if extra := len(h.out.Sent()); extra != 0 {
		t.Errorf("%d datagrams forwarded past the cap", extra)
	}
	if h.in.IsOpen() {
		t.Error("input still open after the cap ended the run")
	}
}

func TestResetSequenceCounter(t *testing.T) {
	h := newHarness(t)
	h.configure(t, func(c *Config) { c.AddSequenceCounter = true })

	if err := h.engine.StartGenerating(12, 1000, 3); err != nil {
		t.Fatal(err)
	}
	h.waitEnded(t)
	h.receive(t, 3)
	if h.engine.SequenceCounter() != 3 {
		t.Fatalf("SequenceCounter = %d, want 3", h.engine.SequenceCounter())
	}

	// the counter persists across runs until reset
	if err := h.engine.StartGenerating(12, 1000, 1); err != nil {
		t.Fatal(err)
	}
	h.waitEnded(t)
	if got := string(h.receive(t, 1)[0].Payload[2:]); got != "0000000004" {
		t.Errorf("trailer after a second run = %q, want 0000000004", got)
	}

	h.engine.ResetSequenceCounter()
	if err := h.engine.StartGenerating(12, 1000, 1); err != nil {
		t.Fatal(err)
	}
	h.waitEnded(t)
	if got := string(h.receive(t, 1)[0].Payload[2:]); got != "0000000001" {
		t.Errorf("trailer after reset = %q, want 0000000001", got)
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	id := h.engine.RunID()
	if id == "" {
		t.Fatal("RunID empty while running")
	}

	if err := h.engine.Start(); err != nil {
		t.Errorf("second Start: %v", err)
	}
	if err := h.engine.StartGenerating(100, 10, 0); err != nil {
		t.Errorf("StartGenerating while relaying: %v", err)
	}
	if h.in.Opens() != 1 || h.out.Opens() != 1 {
		t.Errorf("opens = %d/%d, want 1/1", h.in.Opens(), h.out.Opens())
	}
	if h.engine.RunID() != id || h.engine.Mode() != ModeRelay {
		t.Error("second start replaced the active run")
	}
}

func TestStopIsIdempotentAndConcurrent(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)
	h.engine.Stop()

	if err := h.engine.StartGenerating(64, 1000, 0); err != nil {
		t.Fatal(err)
	}
	h.receive(t, 1)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.Stop()
		}()
	}
	wg.Wait()

	if h.engine.State() != StateIdle {
		t.Fatalf("State = %s, want idle", h.engine.State())
	}
	// drain anything sent before Stop returned, then make sure nothing follows
	for len(h.out.Sent()) > 0 {
		<-h.out.Sent()
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(h.out.Sent()); n != 0 {
		t.Errorf("%d datagrams sent after Stop returned", n)
	}
	select {
	case <-h.ended:
		t.Error("run-ended callback invoked for an explicit Stop")
	default:
	}
}

func TestStopGeneratingOnlyStopsGenerate(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.engine.StopGenerating()
	if h.engine.State() != StateRunning {
		t.Fatalf("StopGenerating stopped a relay run")
	}
	h.engine.Stop()

	if err := h.engine.StartGenerating(32, 100, 0); err != nil {
		t.Fatal(err)
	}
	h.engine.StopGenerating()
	if h.engine.State() != StateIdle {
		t.Errorf("State after StopGenerating = %s, want idle", h.engine.State())
	}
}

func TestSendFailureCountsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)
	h.out.FailSends(errors.New("network unreachable"))

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.in.Inject([]byte("a"))
	h.in.Inject([]byte("b"))

	eventually(t, "2 discarded", func() bool { return h.engine.PacketsDiscarded() == 2 })
	if h.engine.PacketsReceived() != 0 {
		t.Errorf("PacketsReceived = %d, want 0", h.engine.PacketsReceived())
	}

	// the loop keeps going once the destination recovers
	h.out.FailSends(nil)
	h.in.Inject([]byte("c"))
	h.receive(t, 1)
	eventually(t, "1 received", func() bool { return h.engine.PacketsReceived() == 1 })
}

func TestCaptureOnly(t *testing.T) {
	h := newHarness(t)
	h.configure(t, func(c *Config) { c.AddSequenceCounter = true })

	if err := h.engine.StartCaptureOnly(); err != nil {
		t.Fatal(err)
	}
	if h.out.Opens() != 0 {
		t.Error("capture-only run opened the output")
	}
	h.in.Inject([]byte("one"))
	h.in.Inject([]byte("two"))

	eventually(t, "2 recorded", func() bool { return h.engine.PacketsReceived() == 2 })
	if h.engine.SequenceCounter() != 2 {
		t.Errorf("SequenceCounter = %d, want 2", h.engine.SequenceCounter())
	}
	if n := len(h.out.Sent()); n != 0 {
		t.Errorf("capture-only run forwarded %d datagrams", n)
	}
	// the configured flag is untouched
	if h.engine.Config().CaptureOnly {
		t.Error("StartCaptureOnly changed the stored config")
	}
}

func TestCapturePacket(t *testing.T) {
	h := newHarness(t)
	h.configure(t, func(c *Config) { c.AddSequenceCounter = true })

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.engine.DrainCapturedPacket(); ok {
		t.Fatal("captured packet present before arming")
	}

	h.engine.CapturePacket()
	if !h.engine.Status().CapturePending {
		t.Error("Status does not report the pending capture")
	}
	h.in.Inject([]byte{0xca, 0xfe})
	h.in.Inject([]byte{0x00})
	h.receive(t, 2)

	got, ok := h.engine.DrainCapturedPacket()
	if !ok || got != "cafe" {
		t.Errorf("DrainCapturedPacket = %q, %v; want \"cafe\" (raw, untagged)", got, ok)
	}
}

func TestFileCaptureRelayIsUntagged(t *testing.T) {
	h := newHarness(t)
	h.configure(t, func(c *Config) { c.AddSequenceCounter = true })
	path := filepath.Join(t.TempDir(), "relay.bin")

	if err := h.engine.StartFileCapture(path, false); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.in.Inject([]byte("abc"))
	h.in.Inject([]byte("de"))
	h.receive(t, 2)
	h.engine.Stop()

	// file capture outlives the run
	if !h.engine.FileCaptureActive() {
		t.Fatal("Stop ended file capture")
	}
	if err := h.engine.StopFileCapture(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcde" {
		t.Errorf("capture file = %q, want %q", got, "abcde")
	}
}

func TestFileCaptureGenerateRepeatsPattern(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)
	path := filepath.Join(t.TempDir(), "generate.bin")

	if err := h.engine.StartFileCapture(path, false); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.StartGenerating(30, 1000, 4); err != nil {
		t.Fatal(err)
	}
	h.waitEnded(t)
	h.engine.StopFileCapture()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat(fillPayload(30), 4)
	if !bytes.Equal(got, want) {
		t.Errorf("capture file = %q, want %q", got, want)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Run("input", func(t *testing.T) {
		h := newHarness(t)
		h.configure(t, nil)
		h.in.FailOpen(errors.New("address in use"))

		err := h.engine.Start()
		var openErr *OpenError
		if !errors.As(err, &openErr) || openErr.Side != "input" {
			t.Fatalf("Start err = %v, want input *OpenError", err)
		}
		if h.out.Opens() != 0 {
			t.Error("output opened after the input failed")
		}
		if h.engine.State() != StateIdle {
			t.Errorf("State = %s, want idle", h.engine.State())
		}
	})

	t.Run("output", func(t *testing.T) {
		h := newHarness(t)
		h.configure(t, nil)
		h.out.FailOpen(errors.New("no buffer space"))

		err := h.engine.Start()
		var openErr *OpenError
		if !errors.As(err, &openErr) || openErr.Side != "output" {
			t.Fatalf("Start err = %v, want output *OpenError", err)
		}
		if h.in.IsOpen() {
			t.Error("input left open after the output failed")
		}

		if err := h.engine.StartGenerating(100, 10, 0); !errors.As(err, &openErr) {
			t.Errorf("StartGenerating err = %v, want *OpenError", err)
		}
		if h.engine.State() != StateIdle {
			t.Errorf("State = %s, want idle", h.engine.State())
		}
	})
}

func TestConfigureWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Configure(testConfig()); !errors.Is(err, ErrNotIdle) {
		t.Errorf("Configure while running = %v, want ErrNotIdle", err)
	}
	h.engine.Stop()
	if err := h.engine.Configure(testConfig()); err != nil {
		t.Errorf("Configure after Stop = %v", err)
	}
}

func TestStartGeneratingRejects(t *testing.T) {
	tests := []struct {
		name               string
		tagging            bool
		payload, rate, cap int
		field              string
	}{
		{"tag on short payload", true, 9, 100, 0, "payload length"},
		{"zero payload", false, 0, 100, 0, "payload length"},
		{"oversized payload", false, MaxPayload + 1, 100, 0, "payload length"},
		{"zero rate", false, 100, 0, 0, "rate"},
		{"rate above a microsecond", false, 100, MaxRate + 1, 0, "rate"},
		{"negative cap", false, 100, 100, -1, "total packets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.configure(t, func(c *Config) { c.AddSequenceCounter = tt.tagging })

			err := h.engine.StartGenerating(tt.payload, tt.rate, tt.cap)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
			if h.out.Opens() != 0 {
				t.Error("output opened despite the config error")
			}
		})
	}

	h := newHarness(t)
	h.configure(t, func(c *Config) { c.AddSequenceCounter = true })
	if err := h.engine.StartGenerating(SequenceLen, 100, 0); err != nil {
		t.Errorf("payload of exactly %d bytes with tagging: %v", SequenceLen, err)
	}
}

func TestStatsRollup(t *testing.T) {
	h := newHarness(t)
	h.engine.statsPeriod = 20 * time.Millisecond
	h.configure(t, nil)

	if err := h.engine.StartGenerating(50, 1000, 0); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a non-zero rate", func() bool { return h.engine.MaxPacketsPerSec() > 0 })
	h.engine.Stop()

	s := h.engine.Status()
	if s.BitsPerSec != s.PacketsPerSec*50*8 {
		t.Errorf("BitsPerSec = %d, want %d", s.BitsPerSec, s.PacketsPerSec*50*8)
	}
	if s.MaxPacketsPerSec < s.PacketsPerSec {
		t.Errorf("peak %d below current %d", s.MaxPacketsPerSec, s.PacketsPerSec)
	}
}

func TestNextRunResetsStats(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)

	if err := h.engine.StartGenerating(40, 1000, 2); err != nil {
		t.Fatal(err)
	}
	h.waitEnded(t)
	first := h.engine.RunID()

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer h.engine.Stop()
	if h.engine.PacketsReceived() != 0 || h.engine.MaxPacketLen() != 0 {
		t.Errorf("stats carried into the next run: %+v", h.engine.Status().Snapshot)
	}
	if h.engine.RunID() == first {
		t.Error("new run reused the previous run id")
	}
}

func TestCaptureArmDoesNotSurviveRestart(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.engine.CapturePacket()
	h.engine.Stop()

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if h.engine.Status().CapturePending {
		t.Fatal("capture armed in the previous run is still pending")
	}
	h.in.Inject([]byte("second-run"))
	h.receive(t, 1)
	if got, ok := h.engine.DrainCapturedPacket(); ok {
		t.Errorf("DrainCapturedPacket = %q; want nothing captured in the second run", got)
	}

	h.engine.CapturePacket()
	h.in.Inject([]byte{0xbe, 0xef})
	h.receive(t, 1)
	if got, ok := h.engine.DrainCapturedPacket(); !ok || got != "beef" {
		t.Errorf("DrainCapturedPacket = %q, %v; want \"beef\"", got, ok)
	}
}

func TestInputLostEndsRun(t *testing.T) {
	h := newHarness(t)
	h.configure(t, nil)

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.in.Inject([]byte("before"))
	h.receive(t, 1)

	h.in.Close()
	s := h.waitEnded(t)
	if s.State != StateIdle {
		t.Errorf("reported state = %s, want idle", s.State)
	}
	if s.PacketsReceived != 1 {
		t.Errorf("reported received = %d, want 1", s.PacketsReceived)
	}
	if h.engine.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.engine.State())
	}
	if h.out.IsOpen() {
		t.Error("output still open after the input was lost")
	}
}
