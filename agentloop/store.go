package agentloop

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a persisted run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// StepStatus is the outcome of a persisted step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

// RunRecord is the persisted bookkeeping for one agent run.
type RunRecord struct {
	RunID             string
	AgentID           string
	AgentType         string
	ParentRunID       string
	AncestorRunIDs    []string
	Status            RunStatus
	CreditsUsed       int
	DirectCreditsUsed int
	ErrorMessage      string
	StartedAt         time.Time
	FinishedAt        time.Time
}

// StepRecord is the persisted bookkeeping for one step.
type StepRecord struct {
	StepID       string
	RunID        string
	StepNumber   int
	Status       StepStatus
	Credits      int
	ChildRunIDs  []string
	MessageID    string
	ErrorMessage string
	CreatedAt    time.Time
}

// RunTotals are the final figures written when a run finishes.
type RunTotals struct {
	CreditsUsed       int
	DirectCreditsUsed int
	ErrorMessage      string
}

// RunStore persists run and step bookkeeping.
type RunStore interface {
	StartRun(ctx context.Context, run RunRecord) (string, error)
	AddStep(ctx context.Context, step StepRecord) (string, error)
	FinishRun(ctx context.Context, runID string, status RunStatus, totals RunTotals) error
}

// MemoryStore is an in-process RunStore.
type MemoryStore struct {
	runs  map[string]*RunRecord
	order []string
	steps map[string][]StepRecord
	mu    sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*RunRecord),
		steps: make(map[string][]StepRecord),
	}
}

func (s *MemoryStore) StartRun(_ context.Context, run RunRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	run.Status = RunRunning
	run.StartedAt = time.Now()
	run.AncestorRunIDs = slices.Clone(run.AncestorRunIDs)
	s.runs[run.RunID] = &run
	s.order = append(s.order, run.RunID)
	return run.RunID, nil
}

func (s *MemoryStore) AddStep(_ context.Context, step StepRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[step.RunID]; !ok {
		return "", fmt.Errorf("add step: unknown run %q", step.RunID)
	}
	if step.StepID == "" {
		step.StepID = uuid.NewString()
	}
	step.CreatedAt = time.Now()
	step.ChildRunIDs = slices.Clone(step.ChildRunIDs)
	s.steps[step.RunID] = append(s.steps[step.RunID], step)
	return step.StepID, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID string, status RunStatus, totals RunTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("finish run: unknown run %q", runID)
	}
	run.Status = status
	run.CreditsUsed = totals.CreditsUsed
	run.DirectCreditsUsed = totals.DirectCreditsUsed
	run.ErrorMessage = totals.ErrorMessage
	run.FinishedAt = time.Now()
	return nil
}

// Run returns a copy of the run record.
func (s *MemoryStore) Run(runID string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return *run, true
}

// Runs returns all runs in start order.
func (s *MemoryStore) Runs() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.runs[id])
	}
	return out
}

// Steps returns the steps recorded for a run.
func (s *MemoryStore) Steps(runID string) []StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.steps[runID])
}
