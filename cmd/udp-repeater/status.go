package main

import (
	"fmt"

	"github.com/mojo333/udp-repeater/internal/relay"
)

// formatStatus renders the once-a-second status line.
func formatStatus(s relay.Status) string {
	line := fmt.Sprintf("%s %s: rx %d drop %d, %d pkt/s (max %d), %s, len %d..%d",
		s.Mode, s.State,
		s.PacketsReceived, s.PacketsDiscarded,
		s.PacketsPerSec, s.MaxPacketsPerSec,
		formatBits(s.BitsPerSec),
		s.MinPacketLen, s.MaxPacketLen,
	)
	if s.SequenceCounter > 0 {
		line += fmt.Sprintf(", seq %010d", s.SequenceCounter)
	}
	if s.FileCapture != "" {
		line += ", capturing to " + s.FileCapture
	}
	return line
}

func formatBits(bps int64) string {
	switch {
	case bps >= 1_000_000_000:
		return fmt.Sprintf("%.2f Gbit/s", float64(bps)/1e9)
	case bps >= 1_000_000:
		return fmt.Sprintf("%.2f Mbit/s", float64(bps)/1e6)
	case bps >= 1_000:
		return fmt.Sprintf("%.2f kbit/s", float64(bps)/1e3)
	default:
		return fmt.Sprintf("%d bit/s", bps)
	}
}
