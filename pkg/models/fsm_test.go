package models

import "testing"

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    PipelineStatus
		to      PipelineStatus
		wantErr bool
	}{
		{"pending to running", StatusPending, StatusRunning, false},
		{"pending to killed", StatusPending, StatusKilled, false},
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"running to completed", StatusRunning, StatusCompleted, false},
		{"running to failed", StatusRunning, StatusFailed, false},
		{"running to paused", StatusRunning, StatusPaused, false},
		{"running to pending", StatusRunning, StatusPending, true},
		{"paused to running", StatusPaused, StatusRunning, false},
		{"paused to completed", StatusPaused, StatusCompleted, true},
		{"completed is terminal", StatusCompleted, StatusRunning, true},
		{"failed is terminal", StatusFailed, StatusRunning, true},
		{"killed is terminal", StatusKilled, StatusPending, true},
		{"unknown source", PipelineStatus("resting"), StatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr && err == nil {
				t.Errorf("transition %s -> %s should be rejected", tt.from, tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("transition %s -> %s should be allowed: %v", tt.from, tt.to, err)
			}
		})
	}
}

func TestTerminalAndActiveStatus(t *testing.T) {
	terminals := []PipelineStatus{StatusCompleted, StatusFailed, StatusKilled}
	for _, status := range terminals {
		if !IsTerminalStatus(status) {
			t.Errorf("%s should be terminal", status)
		}
		if IsActiveStatus(status) {
			t.Errorf("%s should not be active", status)
		}
	}

	if IsTerminalStatus(StatusPending) {
		t.Error("pending should not be terminal")
	}
	if !IsActiveStatus(StatusRunning) {
		t.Error("running should be active")
	}
	if !IsActiveStatus(StatusPaused) {
		t.Error("paused should be active")
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{"ffmpeg", Definition{Engine: EngineFFmpeg}, false},
		{"gstreamer", Definition{Engine: EngineGStreamer}, false},
		{"exec with binary", Definition{Engine: EngineExec, Binary: "/bin/sh"}, false},
		{"exec without binary", Definition{Engine: EngineExec}, true},
		{"no engine", Definition{}, true},
		{"unknown engine", Definition{Engine: "vlc"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
