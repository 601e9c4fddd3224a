package models

import (
	"fmt"
	"time"
)

// PipelineStatus is the registry-level lifecycle status of a pipeline.
type PipelineStatus string

// Supported engines for pipeline definitions.
const (
	EngineFFmpeg    = "ffmpeg"
	EngineGStreamer = "gstreamer"
	EngineExec      = "exec"
)

// Definition describes the media subprocess behind a pipeline.
type Definition struct {
	// Engine selects the launcher: ffmpeg, gstreamer or exec.
	Engine string `json:"engine" yaml:"engine"`

	// Args are the engine-specific pipeline arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Binary overrides the engine's default executable. Required for the
	// exec engine.
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty"`
}

// Validate checks that the definition can be launched.
func (d Definition) Validate() error {
	switch d.Engine {
	case EngineFFmpeg, EngineGStreamer:
		return nil
	case EngineExec:
		if d.Binary == "" {
			return fmt.Errorf("exec engine requires a binary")
		}
		return nil
	case "":
		return fmt.Errorf("pipeline definition has no engine")
	default:
		return fmt.Errorf("unknown pipeline engine %q", d.Engine)
	}
}

// Pipeline is a supervised pipeline as tracked by the registry and the
// store.
type Pipeline struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Definition Definition     `json:"definition"`
	AllowBlock bool           `json:"allow_block"`
	Status     PipelineStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Stalls     int            `json:"stalls"`
	Restarts   int            `json:"restarts"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// PipelineEvent is one entry in a pipeline's audit trail.
type PipelineEvent struct {
	ID         int64     `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}
