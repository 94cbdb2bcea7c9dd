// Package provider runs the reverse-channel websocket server that GPU
// providers dial into. All gateway-to-provider traffic flows over these
// provider-initiated connections, so providers never need an inbound
// port open.
package provider

import (
	"encoding/json"
	"fmt"
)

// Frame types sent by providers.
const (
	// FrameReady is the first frame after connect: it lists the
	// workflow ids the provider is serving and describes its hardware.
	FrameReady = "ready"

	// FramePong answers a gateway ping.
	FramePong = "pong"

	// FrameHeartbeat is an explicit liveness frame.
	FrameHeartbeat = "heartbeat"

	// FrameProgress reports fractional progress on a running job.
	FrameProgress = "progress"

	// FrameComplete delivers a finished job's output.
	FrameComplete = "complete"

	// FrameFailed reports a job the provider could not finish.
	FrameFailed = "failed"

	// Control frames for managing listings over the live channel.
	FramePublish   = "publish"
	FrameUnpublish = "unpublish"
	FrameSetPrice  = "set_price"
)

// Frame types sent by the gateway.
const (
	FramePing = "ping"
	FrameJob  = "job"
)

// Frame is the envelope every provider message decodes into. Only the
// fields relevant to the frame's type are set.
type Frame struct {
	Type string `json:"type"`

	// ready
	Workflows []ReadyWorkflow `json:"workflows,omitempty"`
	GPUInfo   map[string]any  `json:"gpu_info,omitempty"`

	// progress / complete / failed
	JobID         string           `json:"job_id,omitempty"`
	Progress      float64          `json:"progress,omitempty"`
	Output        string           `json:"output,omitempty"`
	OutputType    string           `json:"output_type,omitempty"`
	ResolvedSeeds map[string]int64 `json:"resolved_seeds,omitempty"`
	Error         string           `json:"error,omitempty"`

	// publish / unpublish / set_price
	WorkflowID string          `json:"workflow_id,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty"`
	Price      string          `json:"price,omitempty"`
	Category   string          `json:"category,omitempty"`
}

// ReadyWorkflow is one offered workflow in a ready frame.
type ReadyWorkflow struct {
	ID string `json:"id"`
}

// UnmarshalFrame decodes and minimally validates a provider frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the frame carries the fields its type requires.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameReady, FramePong, FrameHeartbeat:
		return nil
	case FrameProgress:
		if f.JobID == "" {
			return fmt.Errorf("%w: progress frame missing job_id", ErrBadFrame)
		}
		if f.Progress < 0 || f.Progress > 1 {
			return fmt.Errorf("%w: progress %v out of [0,1]", ErrBadFrame, f.Progress)
		}
	case FrameComplete, FrameFailed:
		if f.JobID == "" {
			return fmt.Errorf("%w: %s frame missing job_id", ErrBadFrame, f.Type)
		}
	case FramePublish:
		if f.WorkflowID == "" {
			return fmt.Errorf("%w: publish frame missing workflow_id", ErrBadFrame)
		}
		if f.Price == "" {
			return fmt.Errorf("%w: publish frame missing price", ErrBadFrame)
		}
	case FrameUnpublish:
		if f.WorkflowID == "" {
			return fmt.Errorf("%w: unpublish frame missing workflow_id", ErrBadFrame)
		}
	case FrameSetPrice:
		if f.WorkflowID == "" || f.Price == "" {
			return fmt.Errorf("%w: set_price frame missing workflow_id or price", ErrBadFrame)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrBadFrame)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadFrame, f.Type)
	}
	return nil
}

// PingFrame is the gateway's liveness probe.
type PingFrame struct {
	Type string `json:"type"`
}

// NewPingFrame creates a ping.
func NewPingFrame() PingFrame {
	return PingFrame{Type: FramePing}
}
