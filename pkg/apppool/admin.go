package apppool

import (
	"context"
	"fmt"
)

// AdminCommand is a type-safe wrapper around one administrative
// operation against a Pool, in the same generics idiom the teacher
// used for typed worker calls.
type AdminCommand[TIn any, TOut any] struct {
	pool *Pool
	run  func(ctx context.Context, pool *Pool, input TIn) (TOut, error)
}

// NewAdminCommand binds a named operation to a Pool.
func NewAdminCommand[TIn any, TOut any](pool *Pool, run func(ctx context.Context, pool *Pool, input TIn) (TOut, error)) *AdminCommand[TIn, TOut] {
	return &AdminCommand[TIn, TOut]{pool: pool, run: run}
}

// Execute runs the command against the bound Pool.
func (c *AdminCommand[TIn, TOut]) Execute(ctx context.Context, input TIn) (TOut, error) {
	return c.run(ctx, c.pool, input)
}

// SetMaxInput is the admin API's request body for set_max.
type SetMaxInput struct {
	Max int `json:"max"`
}

// SetMaxOutput confirms the new ceiling.
type SetMaxOutput struct {
	Max int `json:"max"`
}

// SetMax wraps Pool.SetMax for the admin HTTP surface.
func SetMax(ctx context.Context, pool *Pool, input SetMaxInput) (SetMaxOutput, error) {
	if input.Max < 1 {
		return SetMaxOutput{}, fmt.Errorf("admin set_max: max must be >= 1, got %d", input.Max)
	}
	pool.SetMax(input.Max)
	return SetMaxOutput{Max: input.Max}, nil
}

// DetachProcessInput names a process by gupid.
type DetachProcessInput struct {
	Gupid string `json:"gupid"`
}

// DetachProcessOutput confirms detachment.
type DetachProcessOutput struct {
	Detached bool `json:"detached"`
}

// DetachProcessCmd wraps Pool.DetachProcess.
func DetachProcessCmd(ctx context.Context, pool *Pool, input DetachProcessInput) (DetachProcessOutput, error) {
	if err := pool.DetachProcess(input.Gupid); err != nil {
		return DetachProcessOutput{}, err
	}
	return DetachProcessOutput{Detached: true}, nil
}

// PrepareForShutdownOutput is returned by PrepareForShutdownCmd.
type PrepareForShutdownOutput struct {
	Prepared bool `json:"prepared"`
}

// PrepareForShutdownCmd wraps Pool.PrepareForShutdown.
func PrepareForShutdownCmd(ctx context.Context, pool *Pool, _ struct{}) (PrepareForShutdownOutput, error) {
	pool.PrepareForShutdown()
	return PrepareForShutdownOutput{Prepared: true}, nil
}

// ProcessStatus is one process's row in a StatusOutput snapshot,
// exposing the processed/last_used admin fields (original_source
// supplement, see SPEC_FULL.md).
type ProcessStatus struct {
	Gupid     string `json:"gupid"`
	PID       int    `json:"pid"`
	Life      string `json:"life"`
	Enabled   string `json:"enabled"`
	Sessions  int    `json:"sessions"`
	Processed uint64 `json:"processed"`
	LastUsed  int64  `json:"last_used_us"`
}

// GroupStatus is one application group's row in a StatusOutput snapshot.
type GroupStatus struct {
	Name      string          `json:"name"`
	Enabled   []ProcessStatus `json:"enabled"`
	Disabling []ProcessStatus `json:"disabling"`
	Disabled  []ProcessStatus `json:"disabled"`
	Detached  []ProcessStatus `json:"detached"`
}

// StatusOutput is the full admin status snapshot of the Pool.
type StatusOutput struct {
	Max          int           `json:"max"`
	CapacityUsed int           `json:"capacity_used"`
	Groups       []GroupStatus `json:"groups"`
}

// Status wraps Pool introspection for the admin HTTP surface.
func Status(ctx context.Context, pool *Pool, _ struct{}) (StatusOutput, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	out := StatusOutput{
		Max:          pool.max,
		CapacityUsed: pool.capacityUsedLocked(),
	}
	for name, g := range pool.groups {
		out.Groups = append(out.Groups, GroupStatus{
			Name:      name,
			Enabled:   processStatuses(g.enabled),
			Disabling: processStatuses(g.disabling),
			Disabled:  processStatuses(g.disabled),
			Detached:  processStatuses(g.detached),
		})
	}
	return out, nil
}

func processStatuses(processes []*Process) []ProcessStatus {
	statuses := make([]ProcessStatus, 0, len(processes))
	for _, p := range processes {
		statuses = append(statuses, ProcessStatus{
			Gupid:     p.Gupid,
			PID:       p.PID,
			Life:      p.Life().String(),
			Enabled:   p.enabled.String(),
			Sessions:  p.SessionCount(),
			Processed: p.Processed.Load(),
			LastUsed:  p.LastUsed(),
		})
	}
	return statuses
}
