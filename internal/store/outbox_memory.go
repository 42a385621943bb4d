package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// Compile-time check that InMemoryStore implements OutboxRepo.
var _ OutboxRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) EnqueueReply(cmd models.ReplyCommand, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupeKey != "" {
		for _, r := range s.outbox {
			if r.DedupeKey == dedupeKey && r.Status != ReplyStatusCanceled {
				return r.ID, nil
			}
		}
	}

	s.nextOutbox++
	now := time.Now()
	r := OutboxReply{
		ID:          fmt.Sprintf("reply_%d", s.nextOutbox),
		Command:     cmd,
		Status:      ReplyStatusQueued,
		MaxAttempts: DefaultMaxDispatchAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[r.ID] = r
	return r.ID, nil
}

func (s *InMemoryStore) ClaimDueReplies(now time.Time, limit int) ([]OutboxReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []OutboxReply
	for _, r := range s.outbox {
		if r.Status != ReplyStatusQueued {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		r := due[i]
		r.Status = ReplyStatusSending
		locked := now
		r.LockedAt = &locked
		r.UpdatedAt = now
		s.outbox[r.ID] = r
		due[i] = r
	}
	return due, nil
}

func (s *InMemoryStore) MarkReplySent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox reply %s not found", id)
	}
	r.Status = ReplyStatusSent
	r.LockedAt = nil
	r.UpdatedAt = time.Now()
	s.outbox[id] = r
	return nil
}

func (s *InMemoryStore) FailReply(id string, errMsg string, nextAttemptAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbox[id]
	if !ok {
		return false, fmt.Errorf("outbox reply %s not found", id)
	}
	r.Attempts++
	r.LastError = errMsg
	r.LockedAt = nil
	r.UpdatedAt = time.Now()
	exhausted := r.Attempts >= r.MaxAttempts
	if exhausted {
		r.Status = ReplyStatusFailed
		r.NextAttemptAt = nil
	} else {
		r.Status = ReplyStatusQueued
		next := nextAttemptAt
		r.NextAttemptAt = &next
	}
	s.outbox[id] = r
	return exhausted, nil
}

func (s *InMemoryStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.outbox {
		if r.Status == ReplyStatusSending && r.LockedAt != nil && r.LockedAt.Before(staleBefore) {
			r.Status = ReplyStatusQueued
			r.LockedAt = nil
			r.UpdatedAt = time.Now()
			s.outbox[id] = r
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetReply(id string) (*OutboxReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	cp := r
	return &cp, nil
}
