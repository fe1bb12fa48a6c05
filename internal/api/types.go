package api

import "github.com/mojo333/udp-repeater/internal/relay"

// ConfigView is the JSON form of relay.Config for POST/GET configure.
type ConfigView struct {
	InputAddress       string   `json:"inputAddress"`
	InputPort          int      `json:"inputPort"`
	Interfaces         []string `json:"interfaces,omitempty"`
	OutputAddress      string   `json:"outputAddress"`
	OutputPort         int      `json:"outputPort"`
	AddSequenceCounter bool     `json:"addSequenceCounter"`
	CaptureOnly        bool     `json:"captureOnly"`
	TotalPackets       int      `json:"totalPackets"`
	PayloadLength      int      `json:"payloadLength"`
	Rate               int      `json:"rate"`
}

func fromConfig(c relay.Config) ConfigView {
	return ConfigView{
		InputAddress:       c.InputAddress,
		InputPort:          c.InputPort,
		Interfaces:         c.Interfaces,
		OutputAddress:      c.OutputAddress,
		OutputPort:         c.OutputPort,
		AddSequenceCounter: c.AddSequenceCounter,
		CaptureOnly:        c.CaptureOnly,
		TotalPackets:       c.TotalPackets,
		PayloadLength:      c.PayloadLength,
		Rate:               c.Rate,
	}
}

func (v ConfigView) toConfig() relay.Config {
	return relay.Config{
		InputAddress:       v.InputAddress,
		InputPort:          v.InputPort,
		Interfaces:         v.Interfaces,
		OutputAddress:      v.OutputAddress,
		OutputPort:         v.OutputPort,
		AddSequenceCounter: v.AddSequenceCounter,
		CaptureOnly:        v.CaptureOnly,
		TotalPackets:       v.TotalPackets,
		PayloadLength:      v.PayloadLength,
		Rate:               v.Rate,
	}
}

// GenerateRequest is the body of POST generate. Omitted fields fall back to
// the configured generation defaults and packet cap.
type GenerateRequest struct {
	PayloadLength int `json:"payloadLength"`
	Rate          int `json:"rate"`
	TotalPackets  int `json:"totalPackets"`
}

// FileCaptureRequest is the body of POST file-capture.
type FileCaptureRequest struct {
	Path      string `json:"path"`
	Overwrite bool   `json:"overwrite"`
}

// CapturedResponse carries a drained packet as lowercase hex.
type CapturedResponse struct {
	Packet string `json:"packet"`
	Length int    `json:"length"`
}

// APIError is the body of every non-2xx response.
type APIError struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}
