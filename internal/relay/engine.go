// Package relay implements the relay/generator engine: it reads datagrams
// from a multicast group and forwards them, optionally tagged with a
// sequence counter, to one unicast destination, or it manufactures
// datagrams at a fixed rate.
package relay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mojo333/udp-repeater/internal/capture"
	"github.com/mojo333/udp-repeater/internal/logger"
	"github.com/mojo333/udp-repeater/internal/scheduler"
	"github.com/mojo333/udp-repeater/internal/stats"
	"github.com/mojo333/udp-repeater/internal/transport"
)

// Options wires an Engine to its collaborators. Every field is optional.
type Options struct {
	Logger *logger.Logger

	// Scheduler runs the stats rollup and the generate tick. The engine
	// creates and owns one when nil.
	Scheduler *scheduler.Scheduler

	// NewInput and NewOutput build the transports for one run. They
	// default to a Multicast input and an ephemeral Unicast output.
	NewInput  func(Config) transport.Transport
	NewOutput func(Config) transport.Transport

	// OnRunEnded is called, from its own goroutine, after a run that ended
	// by itself (packet cap reached or input lost) has returned to Idle.
	// It is not called for Stop or StopGenerating.
	OnRunEnded func(Status)
}

// Status is an aggregate, point-in-time view of the engine.
type Status struct {
	State           RunState `json:"state"`
	Mode            Mode     `json:"mode"`
	RunID           string   `json:"runId,omitempty"`
	SequenceCounter uint32   `json:"sequenceCounter"`
	CapturePending  bool     `json:"capturePending"`
	FileCapture     string   `json:"fileCapture,omitempty"`
	stats.Snapshot
}

// run is the state owned by one Start/StartGenerating call.
type run struct {
	id     string
	mode   Mode
	cfg    Config
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	stop atomic.Bool
	done chan struct{}

	input  transport.Transport
	output transport.Transport

	rollup *scheduler.Handle
	tick   *scheduler.Handle

	payload      []byte
	sendFailures atomic.Int64
}

// Engine is the relay/generator. All methods are safe for concurrent use.
type Engine struct {
	log         *logger.Logger
	sched       *scheduler.Scheduler
	ownSched    bool
	newInput    func(Config) transport.Transport
	newOutput   func(Config) transport.Transport
	onRunEnded  func(Status)
	statsPeriod time.Duration

	// mu serializes lifecycle transitions and guards cfg and run.
	mu  sync.Mutex
	cfg Config
	run *run

	// sendMu pairs the counter increment-and-stamp with the send so
	// tagged datagrams leave in counter order.
	sendMu sync.Mutex
	seq    atomic.Uint32

	state atomic.Int32
	mode  atomic.Int32
	runID atomic.Value

	stats *stats.Accumulator
	slot  capture.Slot
	sink  *capture.FileSink
}

// New returns an idle engine. Call Configure before the first Start.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		log:         log,
		sched:       opts.Scheduler,
		newInput:    opts.NewInput,
		newOutput:   opts.NewOutput,
		onRunEnded:  opts.OnRunEnded,
		statsPeriod: time.Second,
		stats:       stats.New(),
		sink:        capture.NewFileSink(log),
	}
	if e.sched == nil {
		e.sched = scheduler.New(log)
		e.ownSched = true
	}
	if e.newInput == nil {
		e.newInput = func(cfg Config) transport.Transport {
			return transport.NewMulticast(transport.MulticastConfig{
				Group:      cfg.InputAddress,
				Port:       cfg.InputPort,
				Interfaces: cfg.Interfaces,
				Logger:     log,
			})
		}
	}
	if e.newOutput == nil {
		e.newOutput = func(Config) transport.Transport {
			return transport.NewUnicast(transport.UnicastConfig{Logger: log})
		}
	}
	e.runID.Store("")
	return e
}

// Configure replaces the configuration used by the next run.
func (e *Engine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		return ErrNotIdle
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Interfaces = append([]string(nil), cfg.Interfaces...)
	e.cfg = cfg
	return nil
}

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Start opens the multicast input and, unless capture-only is configured,
// the unicast output, then relays until Stop or the packet cap. Calling
// Start while a run is active does nothing.
func (e *Engine) Start() error {
	return e.startRelay(false)
}

// StartCaptureOnly is Start with capture-only forced on: packets are
// counted, captured and tagged but never forwarded.
func (e *Engine) StartCaptureOnly() error {
	return e.startRelay(true)
}

func (e *Engine) startRelay(captureOnly bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		e.log.Debug("Start ignored: a %s run is active", e.Mode())
		return nil
	}

	cfg := e.cfg
	if captureOnly {
		cfg.CaptureOnly = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	r := e.newRun(ModeRelay, cfg)
	input := e.newInput(cfg)
	if err := input.Open(); err != nil {
		r.cancel()
		return &OpenError{Side: "input", Addr: hostPort(cfg.InputAddress, cfg.InputPort), Err: err}
	}
	r.input = input

	if !cfg.CaptureOnly {
		output := e.newOutput(cfg)
		if err := output.Open(); err != nil {
			input.Close()
			r.cancel()
			return &OpenError{Side: "output", Addr: hostPort(cfg.OutputAddress, cfg.OutputPort), Err: err}
		}
		r.output = output
	}

	e.stats.Reset()
	if err := e.begin(r); err != nil {
		return err
	}
	go e.relayLoop(r)

	if cfg.CaptureOnly {
		r.log.Monitor("Capture-only run started on %s", hostPort(cfg.InputAddress, cfg.InputPort))
	} else {
		r.log.Monitor("Relay run started: %s -> %s", hostPort(cfg.InputAddress, cfg.InputPort), hostPort(cfg.OutputAddress, cfg.OutputPort))
	}
	return nil
}

// StartGenerating sends payloadLen-byte datagrams of the pattern A..Z to
// the configured output at rate packets per second. totalPackets > 0 ends
// the run after that many successful sends. Calling it while a run is
// active does nothing.
func (e *Engine) StartGenerating(payloadLen, rate, totalPackets int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		e.log.Debug("StartGenerating ignored: a %s run is active", e.Mode())
		return nil
	}

	cfg := e.cfg
	cfg.PayloadLength = payloadLen
	cfg.Rate = rate
	cfg.TotalPackets = totalPackets
	cfg.CaptureOnly = false
	if err := validateGenerate(payloadLen, rate, totalPackets, cfg.AddSequenceCounter); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	r := e.newRun(ModeGenerate, cfg)
	output := e.newOutput(cfg)
	if err := output.Open(); err != nil {
		r.cancel()
		return &OpenError{Side: "output", Addr: hostPort(cfg.OutputAddress, cfg.OutputPort), Err: err}
	}
	r.output = output
	r.payload = fillPayload(payloadLen)

	e.stats.Reset()
	e.stats.ObserveLength(payloadLen)
	if err := e.begin(r); err != nil {
		return err
	}

	period := time.Duration(MaxRate/rate) * time.Microsecond
	tick, err := e.sched.ScheduleAtFixedRate(func() { e.generateTick(r) }, 0, period)
	if err != nil {
		e.stopLocked()
		return fmt.Errorf("scheduling send tick: %w", err)
	}
	r.tick = tick
	go e.generateWorker(r)

	r.log.Monitor("Generate run started: %d bytes at %d/s to %s", payloadLen, rate, hostPort(cfg.OutputAddress, cfg.OutputPort))
	return nil
}

func (e *Engine) newRun(mode Mode, cfg Config) *run {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &run{
		id:     id,
		mode:   mode,
		cfg:    cfg,
		log:    e.log.With("run", id),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// begin publishes r as the active run and starts its stats rollup. A
// capture armed before the run is dropped. The caller holds mu and has
// opened r's transports.
func (e *Engine) begin(r *run) error {
	rollup, err := e.sched.ScheduleAtFixedRate(e.stats.Rollup, e.statsPeriod, e.statsPeriod)
	if err != nil {
		closeTransports(r)
		r.cancel()
		return fmt.Errorf("scheduling stats rollup: %w", err)
	}
	r.rollup = rollup
	e.slot.Reset()

	e.run = r
	e.runID.Store(r.id)
	e.mode.Store(int32(r.mode))
	e.state.Store(int32(StateRunning))
	return nil
}

// Stop ends the active run: no send happens after it returns. It is safe to
// call repeatedly and from any goroutine, OnRunEnded included.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return
	}
	e.stopLocked()
}

// StopGenerating stops the active run only if it is a generate run.
func (e *Engine) StopGenerating() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil || e.run.mode != ModeGenerate {
		return
	}
	e.stopLocked()
}

func (e *Engine) stopLocked() Status {
	r := e.run
	r.stop.Store(true)
	e.state.Store(int32(StateStopping))
	r.cancel()
	// wait out a send already past its stop check
	e.sendMu.Lock()
	e.sendMu.Unlock()

	if r.tick != nil {
		r.tick.Cancel()
	}
	r.rollup.Cancel()
	// a generate run whose tick never got scheduled has no worker
	if r.mode == ModeRelay || r.tick != nil {
		<-r.done
	}
	closeTransports(r)

	e.run = nil
	e.state.Store(int32(StateIdle))

	status := e.Status()
	r.log.Monitor("%s run stopped: %d received, %d discarded, counter %d",
		r.mode, status.PacketsReceived, status.PacketsDiscarded, status.SequenceCounter)
	return status
}

// requestStop moves r to Stopping from inside the run (packet cap or a dead
// input) and finishes it asynchronously, since neither the worker nor a
// scheduler task may wait for itself.
func (e *Engine) requestStop(r *run, capped bool) {
	if !r.stop.CompareAndSwap(false, true) {
		return
	}
	e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	go e.finishRun(r, capped)
}

func (e *Engine) finishRun(r *run, capped bool) {
	e.mu.Lock()
	if e.run != r {
		// an explicit Stop got there first
		e.mu.Unlock()
		return
	}
	status := e.stopLocked()
	e.mu.Unlock()

	if capped {
		r.log.Info("Packet cap of %d reached", r.cfg.TotalPackets)
	}
	if e.onRunEnded != nil {
		e.onRunEnded(status)
	}
}

func closeTransports(r *run) {
	if r.input != nil {
		if err := r.input.Close(); err != nil {
			r.log.Warning("Closing input: %v", err)
		}
	}
	if r.output != nil {
		if err := r.output.Close(); err != nil {
			r.log.Warning("Closing output: %v", err)
		}
	}
}

// Close stops any run, ends file capture and releases the scheduler if the
// engine created it.
func (e *Engine) Close() error {
	e.Stop()
	err := e.sink.Stop()
	if e.ownSched {
		e.sched.Shutdown()
	}
	return err
}

// CapturePacket arms a one-shot capture of the next received (or generated)
// datagram.
func (e *Engine) CapturePacket() { e.slot.Arm() }

// DrainCapturedPacket returns the captured datagram as lowercase hex and
// empties the slot. ok is false when nothing was captured.
func (e *Engine) DrainCapturedPacket() (hex string, ok bool) { return e.slot.Drain() }

// StartFileCapture appends every datagram's raw, untagged bytes to path
// until StopFileCapture. It is independent of Start and Stop, and refuses
// with capture.ErrActive while a capture is already running.
func (e *Engine) StartFileCapture(path string, overwrite bool) error {
	return e.sink.Start(path, overwrite)
}

// StopFileCapture flushes and closes the capture file.
func (e *Engine) StopFileCapture() error { return e.sink.Stop() }

// FileCaptureActive reports whether a capture file is open.
func (e *Engine) FileCaptureActive() bool { return e.sink.Active() }

// ResetSequenceCounter sets the counter back to zero so the next tagged
// datagram carries 0000000001.
func (e *Engine) ResetSequenceCounter() {
	e.sendMu.Lock()
	e.seq.Store(0)
	e.sendMu.Unlock()
}

func (e *Engine) PacketsReceived() int64  { return e.stats.PacketsReceived() }
func (e *Engine) PacketsDiscarded() int64 { return e.stats.PacketsDiscarded() }
func (e *Engine) PacketsPerSec() int64    { return e.stats.PacketsPerSec() }
func (e *Engine) MaxPacketsPerSec() int64 { return e.stats.MaxPacketsPerSec() }
func (e *Engine) BitsPerSec() int64       { return e.stats.BitsPerSec() }
func (e *Engine) MinPacketLen() int64     { return e.stats.MinPacketLen() }
func (e *Engine) MaxPacketLen() int64     { return e.stats.MaxPacketLen() }
func (e *Engine) SequenceCounter() uint32 { return e.seq.Load() }
func (e *Engine) State() RunState         { return RunState(e.state.Load()) }

// Mode returns the mode of the active run, or of the last one.
func (e *Engine) Mode() Mode { return Mode(e.mode.Load()) }

// RunID returns the identifier of the active run, or of the last one.
func (e *Engine) RunID() string { return e.runID.Load().(string) }

// Status collects every accessor. It never blocks on the lifecycle lock.
func (e *Engine) Status() Status {
	return Status{
		State:           e.State(),
		Mode:            e.Mode(),
		RunID:           e.RunID(),
		SequenceCounter: e.SequenceCounter(),
		CapturePending:  e.slot.Armed(),
		FileCapture:     e.sink.Path(),
		Snapshot:        e.stats.Snapshot(),
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
