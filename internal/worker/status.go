package worker

import (
	"sync"
	"time"
)

const (
	StateIdle     = "idle"
	StateBusy     = "busy"
	StateDraining = "draining"
)

// State is the worker's self-reported status, served on /status.
type State struct {
	State              string      `json:"state"`
	WorkerID           int         `json:"worker_id"`
	WorkerName         string      `json:"worker_name"`
	Model              string      `json:"model"`
	MaxWindow          int         `json:"max_seq_len"`
	ConnectedToBackend bool        `json:"connected_to_backend"`
	Models             []string    `json:"models"`
	Processed          uint64      `json:"processed"`
	Failed             uint64      `json:"failed"`
	LastError          string      `json:"last_error"`
	LastJobAt          time.Time   `json:"last_job_at"`
	Version            string      `json:"version"`
	Memory             *MemoryInfo `json:"memory,omitempty"`
}

// MemoryInfo reports host memory at the time of the status call.
type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// status is owned by one Worker; every accessor takes the lock.
type status struct {
	mu       sync.RWMutex
	data     State
	draining bool
}

func newStatus(s State) *status {
	s.State = StateIdle
	return &status{data: s}
}

func (s *status) begin() {
	s.mu.Lock()
	if !s.draining {
		s.data.State = StateBusy
	}
	s.mu.Unlock()
}

func (s *status) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastJobAt = time.Now()
	if err != nil {
		s.data.Failed++
		s.data.LastError = err.Error()
	} else {
		s.data.Processed++
	}
	if !s.draining {
		s.data.State = StateIdle
	}
}

func (s *status) setBackend(connected bool, models []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ConnectedToBackend = connected
	s.data.Models = append([]string(nil), models...)
	if err != nil {
		s.data.LastError = err.Error()
	}
}

func (s *status) startDrain() {
	s.mu.Lock()
	s.draining = true
	s.data.State = StateDraining
	s.mu.Unlock()
}

func (s *status) isDraining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

func (s *status) get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.data
	st.Models = append([]string(nil), s.data.Models...)
	return st
}
