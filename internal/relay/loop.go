package relay

import (
	"errors"
	"net"

	"github.com/mojo333/udp-repeater/internal/transport"
)

// relayLoop is the worker of a relay run. It returns once the stop flag is
// set; every read waits at most the input's poll timeout.
func (e *Engine) relayLoop(r *run) {
	defer close(r.done)

	// room for the largest datagram plus its trailer
	buf := make([]byte, transport.MaxDatagram+SequenceLen)
	limit := int64(r.cfg.TotalPackets)

	for !r.stop.Load() {
		n, err := r.input.ReadPacket(buf[:transport.MaxDatagram])
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, transport.ErrNotOpen) {
				r.log.Error("Input socket closed underneath the run: %v", err)
				e.requestStop(r, false)
				return
			}
			r.log.Info("Error receiving packet: %s", err)
			continue
		}
		if n == 0 {
			continue
		}

		if received := e.forward(r, buf, n); limit > 0 && received >= limit {
			e.requestStop(r, true)
			return
		}
	}
}

// forward handles one datagram held in buf[:n] and returns the cumulative
// received count. buf must have SequenceLen spare bytes past n.
func (e *Engine) forward(r *run, buf []byte, n int) int64 {
	pkt := buf[:n]
	e.stats.ObserveLength(n)
	e.slot.Offer(pkt)
	e.sink.Write(pkt)

	e.sendMu.Lock()
	if r.cfg.AddSequenceCounter {
		stampSequence(buf[n:n+SequenceLen], e.seq.Add(1))
		pkt = buf[:n+SequenceLen]
	}
	if r.cfg.CaptureOnly {
		e.sendMu.Unlock()
		return e.stats.Record(len(pkt))
	}
	err := r.output.Send(pkt, r.cfg.OutputAddress, r.cfg.OutputPort)
	e.sendMu.Unlock()

	if err != nil {
		e.sendFailed(r, err)
		return e.stats.PacketsReceived()
	}
	r.log.Debug("Relayed %d bytes to %s:%d", len(pkt), r.cfg.OutputAddress, r.cfg.OutputPort)
	return e.stats.Record(len(pkt))
}

// generateWorker only waits: the scheduler tick does the sending.
func (e *Engine) generateWorker(r *run) {
	defer close(r.done)
	<-r.ctx.Done()
}

// generateTick sends one datagram of a generate run.
func (e *Engine) generateTick(r *run) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if r.stop.Load() {
		return
	}
	limit := int64(r.cfg.TotalPackets)
	if limit > 0 && e.stats.PacketsReceived() >= limit {
		e.requestStop(r, true)
		return
	}

	p := r.payload
	if r.cfg.AddSequenceCounter {
		stampSequence(p[len(p)-SequenceLen:], e.seq.Add(1))
	}
	e.slot.Offer(p)
	e.sink.Write(p)

	if err := r.output.Send(p, r.cfg.OutputAddress, r.cfg.OutputPort); err != nil {
		e.sendFailed(r, err)
		return
	}
	if received := e.stats.Record(len(p)); limit > 0 && received >= limit {
		e.requestStop(r, true)
	}
}

// sendFailed counts a discarded datagram. Only the first failure of a run
// is a warning; a dead destination would otherwise flood the log.
func (e *Engine) sendFailed(r *run, err error) {
	e.stats.Discard()
	if r.sendFailures.Add(1) == 1 {
		r.log.Warning("Error sending packet to %s: %s", hostPort(r.cfg.OutputAddress, r.cfg.OutputPort), err)
		return
	}
	r.log.Debug("Error sending packet: %s", err)
}
