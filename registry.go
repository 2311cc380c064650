// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry maps job type names to the handlers executing them.
//
// A Registry is populated before a pool starts. NewPool seals it; once
// sealed, registrations fail with ErrRegistrySealed and lookups take no lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register registers the handler for the given job type name.
// It returns ErrDuplicateJobType if a handler already exists for name.
func (r *Registry) Register(name string, h Handler) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("robin: job type name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("robin: nil handler for job type %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, name)
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateJobType, name)
	}
	r.handlers[name] = h
	return nil
}

// HandleFunc registers the handler function for the given job type name.
func (r *Registry) HandleFunc(name string, fn func(context.Context, *Conn, *Job) error) error {
	if fn == nil {
		return fmt.Errorf("robin: nil handler for job type %q", name)
	}
	return r.Register(name, HandlerFunc(fn))
}

// RegisterJob registers a typed handler for the given job type name.
// The job payload is decoded from JSON into a T before fn is called; a
// payload that does not decode counts as a failed execution.
//
// This is a package-level generic function because Go does not allow
// generic methods.
func RegisterJob[T any](r *Registry, name string, fn func(context.Context, *Conn, T) error) error {
	if fn == nil {
		return fmt.Errorf("robin: nil handler for job type %q", name)
	}
	return r.Register(name, HandlerFunc(func(ctx context.Context, conn *Conn, job *Job) error {
		var args T
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &args); err != nil {
				return fmt.Errorf("robin: cannot decode payload of job %q: %w", name, err)
			}
		}
		return fn(ctx, conn, args)
	}))
}

// Lookup returns the handler registered for name.
// It returns ErrUnknownJobType if there is none.
func (r *Registry) Lookup(name string) (Handler, error) {
	var (
		h  Handler
		ok bool
	)
	if r.sealed.Load() {
		h, ok = r.handlers[name]
	} else {
		r.mu.RLock()
		h, ok = r.handlers[name]
		r.mu.RUnlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, name)
	}
	return h, nil
}

// Names returns the registered job type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// seal makes r read-only.
func (r *Registry) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}
