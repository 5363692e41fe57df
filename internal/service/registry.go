// Package service is the evaluator facade: a registry of live evaluator
// sessions behind an HTTP API plus a websocket event stream.
package service

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"beltlab.ai/internal/evaluator"
)

// UnknownHandleError reports a handle with no live session behind it.
type UnknownHandleError struct {
	ID string
}

func (e *UnknownHandleError) Error() string {
	return fmt.Sprintf("no evaluator %q", e.ID)
}

// CapacityError reports that the registry is full. Every session owns an
// engine subprocess, so the ceiling is a hard resource bound.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("evaluator capacity %d reached", e.Max)
}

// RegistryConfig assembles a Registry.
type RegistryConfig struct {
	MaxEvaluators int // default 4
	Launcher      evaluator.Launcher
	Logger        *log.Logger
}

// Entry pairs a session with the configuration it was created from.
type Entry struct {
	ID      string
	Problem evaluator.ProblemConfig
	Session *evaluator.Session
}

// Registry owns every live evaluator session, keyed by opaque handle.
type Registry struct {
	maxEvaluators int
	launcher      evaluator.Launcher
	log           *log.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxEvaluators <= 0 {
		cfg.MaxEvaluators = 4
	}
	return &Registry{
		maxEvaluators: cfg.MaxEvaluators,
		launcher:      cfg.Launcher,
		log:           cfg.Logger,
		entries:       make(map[string]*Entry),
	}
}

// Create launches a new session and returns its handle. The slot is
// reserved before the launch so concurrent creates cannot overshoot the
// ceiling.
func (r *Registry) Create(ctx context.Context, problem evaluator.ProblemConfig) (*Entry, error) {
	id := uuid.NewString()

	r.mu.Lock()
	if len(r.entries) >= r.maxEvaluators {
		r.mu.Unlock()
		return nil, &CapacityError{Max: r.maxEvaluators}
	}
	r.entries[id] = nil // reservation
	r.mu.Unlock()

	session, err := evaluator.NewSession(ctx, evaluator.Config{
		Problem:  problem,
		Launcher: r.launcher,
		Logger:   r.log,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		return nil, err
	}

	entry := &Entry{ID: id, Problem: problem, Session: session}
	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()
	if r.log != nil {
		r.log.Printf("registry: created evaluator %s (%s/%d)", id, problem.Category, problem.Dimension)
	}
	return entry, nil
}

// Get resolves a handle.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	entry := r.entries[id]
	r.mu.RUnlock()
	if entry == nil {
		return nil, &UnknownHandleError{ID: id}
	}
	return entry, nil
}

// Destroy removes the handle and tears the session down. The handle is
// gone even if teardown reports an error.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	entry := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if entry == nil {
		return &UnknownHandleError{ID: id}
	}
	err := entry.Session.Close()
	if r.log != nil {
		if err != nil {
			r.log.Printf("registry: destroyed evaluator %s with error: %v", id, err)
		} else {
			r.log.Printf("registry: destroyed evaluator %s", id)
		}
	}
	return err
}

// List snapshots the live entries.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry != nil {
			out = append(out, entry)
		}
	}
	return out
}

// Len reports the number of reserved and live slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll tears down every session; used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry != nil {
			entries = append(entries, entry)
		}
	}
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, entry := range entries {
		if err := entry.Session.Close(); err != nil && r.log != nil {
			r.log.Printf("registry: close %s: %v", entry.ID, err)
		}
	}
}
