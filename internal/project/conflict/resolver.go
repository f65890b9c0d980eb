// Package conflict provides resolution of records edited concurrently by
// multiple project members.
package conflict

import (
	"sync"

	"go.uber.org/zap"

	"github.com/maplog/fieldsync/internal/common/errors"
	"github.com/maplog/fieldsync/internal/common/logger"
	"github.com/maplog/fieldsync/internal/project"
)

// Candidate is one user's version of a conflicted record.
type Candidate struct {
	Record    project.Record `json:"record"`
	UserID    string         `json:"userId"`
	UpdatedAt int64          `json:"updatedAt"`
}

// Group holds all candidate versions of one conflicted record.
type Group struct {
	RecordID   string      `json:"recordId"`
	LayerID    string      `json:"layerId"`
	Candidates []Candidate `json:"candidates"`
}

// Mode selects a bulk resolution strategy.
type Mode string

const (
	// ModeSelf keeps the local user's own edit, falling back to the first
	// candidate when none match.
	ModeSelf Mode = "self"
	// ModeLatest keeps the candidate with the newest UpdatedAt.
	ModeLatest Mode = "latest"
)

// Resolver queues conflict groups for resolution. Manual resolution is
// strictly FIFO so the user always settles the oldest pending conflict
// first; bulk resolution settles everything at once.
type Resolver struct {
	localUserID string
	logger      *zap.Logger

	mu       sync.Mutex
	queue    []Group
	resolved map[string]Candidate
	visible  bool
}

// NewResolver creates a resolver for one merge session.
func NewResolver(localUserID string) *Resolver {
	return &Resolver{
		localUserID: localUserID,
		logger:      logger.WithComponent("ConflictResolver"),
		resolved:    make(map[string]Candidate),
	}
}

// Enqueue appends groups to the pending queue and makes it visible.
func (r *Resolver) Enqueue(groups ...Group) {
	if len(groups) == 0 {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, groups...)
	r.visible = len(r.queue) > 0
	r.mu.Unlock()

	r.logger.Info("conflicts queued", zap.Int("count", len(groups)))
}

// Visible reports whether any conflicts are pending.
func (r *Resolver) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// Pending returns a copy of the pending queue, oldest first.
func (r *Resolver) Pending() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Group, len(r.queue))
	copy(out, r.queue)
	return out
}

// Resolved returns a copy of the resolutions recorded so far, by record id.
func (r *Resolver) Resolved() map[string]Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Candidate, len(r.resolved))
	for id, c := range r.resolved {
		out[id] = c
	}
	return out
}

// SelectCandidate records the chosen candidate for the front group and pops
// it from the queue. The chosen candidate must belong to the front group.
func (r *Resolver) SelectCandidate(chosen Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return errors.E("Resolver.SelectCandidate", errors.ErrInvalidInput, nil, "no pending conflicts")
	}
	front := r.queue[0]
	if chosen.Record.ID != front.RecordID {
		return errors.E("Resolver.SelectCandidate", errors.ErrInvalidInput, nil,
			"candidate does not belong to the front conflict")
	}

	r.resolved[front.RecordID] = chosen
	r.queue = r.queue[1:]
	r.visible = len(r.queue) > 0

	r.logger.Info("conflict resolved",
		zap.String("record_id", front.RecordID),
		zap.String("winner_user", chosen.UserID),
		zap.Int("remaining", len(r.queue)),
	)
	return nil
}

// BulkResolve settles every remaining group with the given mode, empties the
// queue and hides the resolver.
func (r *Resolver) BulkResolve(mode Mode) error {
	if mode != ModeSelf && mode != ModeLatest {
		return errors.E("Resolver.BulkResolve", errors.ErrInvalidInput, nil, "unknown mode "+string(mode))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, group := range r.queue {
		winner := r.pickWinner(group, mode)
		r.resolved[group.RecordID] = winner
	}

	r.logger.Info("conflicts bulk resolved",
		zap.String("mode", string(mode)),
		zap.Int("count", len(r.queue)),
	)
	r.queue = nil
	r.visible = false
	return nil
}

func (r *Resolver) pickWinner(group Group, mode Mode) Candidate {
	switch mode {
	case ModeSelf:
		for _, c := range group.Candidates {
			if c.UserID == r.localUserID {
				return c
			}
		}
		return group.Candidates[0]
	default: // ModeLatest
		winner := group.Candidates[0]
		for _, c := range group.Candidates[1:] {
			if c.UpdatedAt > winner.UpdatedAt {
				winner = c
			}
		}
		return winner
	}
}
