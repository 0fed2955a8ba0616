// Package registry loads task definitions from YAML files on disk and
// upserts them into the Store on boot. It replaces the original
// implementation's dynamic module-loading discovery (scanning a tasks/
// directory for importable modules) with static declarative files, since
// Go has no equivalent to Python's runtime import machinery — the core
// engine never needs dynamic code loading, only a (validator,
// command-builder) pair per task_id, which a YAML file plus a JSON Schema
// plus a command template supplies just as well.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// Definition is the on-disk shape of a task file: tasks/<task_id>.yaml.
type Definition struct {
	TaskID           string         `yaml:"task_id"`
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	Tags             []string       `yaml:"tags"`
	Version          string         `yaml:"version"`
	ParamsSchema     map[string]any `yaml:"params_schema"`
	Command          []string       `yaml:"command"`
	ConcurrencyLimit *int           `yaml:"concurrency_limit"`
	TimeoutSeconds   *int           `yaml:"timeout_seconds"`
	Disabled         bool           `yaml:"disabled"`
}

// Registry holds the in-memory set of loaded task definitions, keyed by
// task_id, alongside the compiled validator and command template for each.
type Registry struct {
	dir     string
	entries map[string]*Entry
}

// Entry pairs a task definition with its compiled validator and template.
type Entry struct {
	Def       Definition
	Validator *Validator
	Template  *CommandTemplate
}

// New creates an empty registry rooted at dir (a directory of *.yaml task
// definition files).
func New(dir string) *Registry {
	return &Registry{dir: dir, entries: make(map[string]*Entry)}
}

// Discover scans dir for *.yaml files, parses each as a Definition,
// compiles its schema and command template, and replaces the in-memory
// entry set. It mirrors the original Registry.discover()'s
// scan-whole-directory-every-reload behavior.
func (r *Registry) Discover() error {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.yaml"))
	if err != nil {
		return taskerr.Storage("glob task definitions", err)
	}
	more, err := filepath.Glob(filepath.Join(r.dir, "*.yml"))
	if err != nil {
		return taskerr.Storage("glob task definitions", err)
	}
	matches = append(matches, more...)

	entries := make(map[string]*Entry, len(matches))
	for _, path := range matches {
		entry, err := loadEntry(path)
		if err != nil {
			slog.Warn("skipping invalid task definition", "path", path, "error", err)
			continue
		}
		if existing, ok := entries[entry.Def.TaskID]; ok {
			slog.Warn("duplicate task_id across definition files", "task_id", entry.Def.TaskID, "kept", existing.Def.TaskID)
			continue
		}
		entries[entry.Def.TaskID] = entry
	}
	r.entries = entries
	slog.Info("registry discovered tasks", "count", len(entries), "dir", r.dir)
	return nil
}

func loadEntry(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if def.TaskID == "" {
		return nil, fmt.Errorf("%s: missing task_id", path)
	}
	if err := store.ValidateTaskID(def.TaskID); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(def.Command) == 0 {
		return nil, fmt.Errorf("%s: empty command", path)
	}

	schemaJSON, err := json.Marshal(def.ParamsSchema)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal params_schema: %w", path, err)
	}
	validator, err := NewValidator(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("%s: compile params_schema: %w", path, err)
	}
	tmpl, err := NewCommandTemplate(def.Command)
	if err != nil {
		return nil, fmt.Errorf("%s: compile command template: %w", path, err)
	}

	return &Entry{Def: def, Validator: validator, Template: tmpl}, nil
}

// Get returns the entry for task_id, or ErrNotFound.
func (r *Registry) Get(taskID string) (*Entry, error) {
	e, ok := r.entries[taskID]
	if !ok {
		return nil, taskerr.NotFound(fmt.Sprintf("task %q not registered", taskID))
	}
	return e, nil
}

// List returns every loaded entry.
func (r *Registry) List() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// SyncToStore upserts every discovered task definition into the store,
// computing each one's schema hash so a Run can record the exact schema
// version it was validated against (spec invariant: a Run's schema_hash
// always matches the Task's schema_hash at the time params were
// validated, even if the task file changes later).
func (r *Registry) SyncToStore(ctx context.Context, s store.Store) error {
	for _, e := range r.entries {
		schemaJSON, _ := json.Marshal(e.Def.ParamsSchema)
		t := &store.Task{
			TaskID:           e.Def.TaskID,
			Name:             e.Def.Name,
			Description:      e.Def.Description,
			Tags:             e.Def.Tags,
			Version:          e.Def.Version,
			ParamsSchema:     schemaJSON,
			SchemaHash:       schemaHash(schemaJSON),
			ConcurrencyLimit: e.Def.ConcurrencyLimit,
			TimeoutSeconds:   e.Def.TimeoutSeconds,
			IsEnabled:        !e.Def.Disabled,
		}
		if err := s.UpsertTask(ctx, t); err != nil {
			return fmt.Errorf("sync task %s: %w", t.TaskID, err)
		}
	}
	return nil
}

func schemaHash(schemaJSON []byte) string {
	sum := sha256.Sum256(schemaJSON)
	return hex.EncodeToString(sum[:])[:16]
}
