// Package registry holds the authoritative set of configured forwards.
//
// Every mutation is saved to the store before the lock is released, so the
// persisted document always matches the in-memory set. Mutations are
// serialized through the listener call as well, so the running listener for
// a port always follows the last write to its entry.
package registry

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/die-net/portrelay/internal/store"
)

// Store persists the configured set.
type Store interface {
	Load() store.Entries
	Save(store.Entries) error
}

// Listeners starts and stops forwarding listeners. *proxy.Manager
// implements it.
type Listeners interface {
	StartAll(entries []store.Entry)
	StartOne(port uint16, target, description string) error
	Stop(port uint16) bool
}

// StatusConfigured is the only status reported for a configured entry.
const StatusConfigured = "configured"

// ValidationError reports a missing required field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

type Config struct {
	Store     Store
	Listeners Listeners

	// StopOnRemove closes a port's listener when its entry is removed.
	// By default the listener keeps running until the process exits.
	StopOnRemove bool

	Logger logrus.FieldLogger
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg Config
	log logrus.FieldLogger

	// writeMu orders mutate, save and the listener call. mu guards entries
	// so readers are not blocked behind a bind.
	writeMu sync.Mutex
	mu      sync.RWMutex
	entries store.Entries
}

// New loads the initial set from cfg.Store. It does not start listeners;
// call StartAll for that.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	entries := cfg.Store.Load()
	if entries == nil {
		entries = store.Entries{}
	}
	return &Registry{cfg: cfg, log: cfg.Logger, entries: entries}
}

// StartAll hands every configured entry to the listener manager.
func (r *Registry) StartAll() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.cfg.Listeners.StartAll(r.List().Sorted())
}

// Add creates or replaces the entry for port and starts (or retargets) its
// listener. Persistence and bind failures are logged; only a missing port or
// target is returned as an error.
func (r *Registry) Add(port uint16, target, description string) error {
	if port == 0 {
		return &ValidationError{Field: "port"}
	}
	if target == "" {
		return &ValidationError{Field: "target"}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.entries[port] = store.Entry{Port: port, Target: target, Description: description}
	r.saveLocked()
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"port": port, "target": target}).
		Infof("added proxy %d -> %s", port, target)

	// Bind failures are already logged by the listener manager.
	_ = r.cfg.Listeners.StartOne(port, target, description)
	return nil
}

// Remove deletes the entry for port and reports whether one existed. A miss
// does not touch the store.
func (r *Registry) Remove(port uint16) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if _, ok := r.entries[port]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, port)
	r.saveLocked()
	r.mu.Unlock()

	r.log.WithField("port", port).Infof("removed proxy on port %d", port)

	if r.cfg.StopOnRemove {
		r.cfg.Listeners.Stop(port)
	}
	return true
}

// List returns a copy of the configured set.
func (r *Registry) List() store.Entries {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Clone()
}

// StatusEntry is one row of Status.
type StatusEntry struct {
	Target      string `json:"target"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// Status returns every configured entry keyed by decimal port.
func (r *Registry) Status() map[string]StatusEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]StatusEntry, len(r.entries))
	for port, e := range r.entries {
		out[strconv.Itoa(int(port))] = StatusEntry{
			Target:      e.Target,
			Description: e.Description,
			Status:      StatusConfigured,
		}
	}
	return out
}

func (r *Registry) saveLocked() {
	if err := r.cfg.Store.Save(r.entries.Clone()); err != nil {
		r.log.WithError(err).Error("error saving proxy config")
	}
}
