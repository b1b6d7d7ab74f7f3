// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package registry holds named scheduler contexts. Applications own a
// Registry value, register contexts with their settings, and hand the
// contexts to schedulers. A process-default registry exists for
// convenience.
package registry

import (
	"sync"

	"github.com/cobaltcore-dev/resa/errs"
)

type Registry struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

func New() *Registry {
	return &Registry{contexts: map[string]*Context{}}
}

// NewContext registers a context under a unique name.
func (r *Registry) NewContext(name string, settings Settings) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[name]; ok {
		return nil, errs.ErrContextExists
	}
	c := &Context{name: name, settings: settings}
	r.contexts[name] = c
	return c, nil
}

// Context returns the context registered under name.
func (r *Registry) Context(name string) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[name]
	if !ok {
		return nil, errs.ErrUnknownContext
	}
	return c, nil
}

func (r *Registry) HasContext(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contexts[name]
	return ok
}

var defaultRegistry = New()

// Default returns the process-wide registry. Applications should
// prefer owning a Registry value.
func Default() *Registry {
	return defaultRegistry
}
