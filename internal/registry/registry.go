// Package registry implements the spec's SkillIndex/SubagentIndex (§3):
// cheap, prompt-sized metadata entries whose content loads lazily on first
// use.
//
// Grounded on the teacher's internal/skills (SkillEntry/SourceType/lazy
// discovery) and internal/extensions packages, generalized from markdown
// skill files specifically to the spec's source-agnostic
// `source ∈ {file, inMemory, url}` / `sourceType ∈ {builtin, user, project,
// plugin, managed}` shape, and extended with a parallel SubagentIndex since
// the teacher only indexes one entry kind.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SourceKind is the storage medium backing an index entry's content.
type SourceKind string

const (
	SourceFile     SourceKind = "file"
	SourceInMemory SourceKind = "inMemory"
	SourceURL      SourceKind = "url"
)

// SourceType classifies where an entry came from, for conflict resolution
// and UI display (spec §3).
type SourceType string

const (
	SourceTypeBuiltin SourceType = "builtin"
	SourceTypeUser    SourceType = "user"
	SourceTypeProject SourceType = "project"
	SourceTypePlugin  SourceType = "plugin"
	SourceTypeManaged SourceType = "managed"
)

// sourcePriority ranks SourceType for same-name conflict resolution, higher
// wins, mirroring the teacher's SkillEntry.SourcePriority convention.
var sourcePriority = map[SourceType]int{
	SourceTypeManaged: 4,
	SourceTypeProject: 3,
	SourceTypeUser:    2,
	SourceTypePlugin:  1,
	SourceTypeBuiltin: 0,
}

// Source loads an entry's full content on demand. Implementations are
// expected to cache after first Load.
type Source interface {
	Kind() SourceKind
	Load(ctx context.Context) (string, error)
}

// InMemorySource is a Source whose content is already resident.
type InMemorySource struct {
	Content string
}

func (s *InMemorySource) Kind() SourceKind { return SourceInMemory }

func (s *InMemorySource) Load(ctx context.Context) (string, error) { return s.Content, nil }

// FuncSource adapts a loader function (e.g. reading a file or fetching a
// URL) into a Source, memoizing the result after the first successful call.
type FuncSource struct {
	kind   SourceKind
	loadFn func(ctx context.Context) (string, error)

	mu      sync.Mutex
	loaded  bool
	content string
	loadErr error
}

// NewFuncSource builds a lazily-memoized Source of the given kind.
func NewFuncSource(kind SourceKind, loadFn func(ctx context.Context) (string, error)) *FuncSource {
	return &FuncSource{kind: kind, loadFn: loadFn}
}

func (s *FuncSource) Kind() SourceKind { return s.kind }

func (s *FuncSource) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.content, s.loadErr
	}
	s.content, s.loadErr = s.loadFn(ctx)
	s.loaded = true
	return s.content, s.loadErr
}

// Entry is the common shape of a SkillIndex/SubagentIndex row (spec §3):
// cheap metadata kept resident, content loaded through Source on first use.
type Entry struct {
	Name         string
	Description  string
	AllowedTools []string
	Source       Source
	SourceType   SourceType
	Model        string
	ModelType    string
}

// ConfigKey returns the key used for per-entry configuration lookups.
func (e *Entry) ConfigKey() string { return e.Name }

// Load resolves the entry's full content, memoized by the underlying Source.
func (e *Entry) Load(ctx context.Context) (string, error) {
	if e.Source == nil {
		return "", fmt.Errorf("registry: entry %q has no source", e.Name)
	}
	return e.Source.Load(ctx)
}

// index is the shared storage behind SkillIndex and SubagentIndex: a
// name-keyed map with priority-based conflict resolution on registration.
type index struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func newIndex() *index {
	return &index{entries: make(map[string]*Entry)}
}

// register inserts e, replacing any existing entry of the same name only if
// e's SourceType has strictly higher priority (ties keep the existing
// entry, so first-registered-wins among equal-priority sources).
func (ix *index) register(e *Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	existing, ok := ix.entries[e.Name]
	if !ok || sourcePriority[e.SourceType] > sourcePriority[existing.SourceType] {
		ix.entries[e.Name] = e
	}
}

func (ix *index) get(name string) (*Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[name]
	return e, ok
}

func (ix *index) list() []*Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (ix *index) remove(name string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, name)
}

// SkillIndex indexes skills: named, loadable capability bundles the
// orchestrator's tool-search gating (spec §4.8) can offer the model without
// paying the token cost of their full content up front.
type SkillIndex struct {
	*index
}

// NewSkillIndex builds an empty SkillIndex.
func NewSkillIndex() *SkillIndex { return &SkillIndex{index: newIndex()} }

// Register adds or replaces a skill entry, per sourcePriority conflict
// resolution.
func (s *SkillIndex) Register(e *Entry) { s.register(e) }

// Get returns the named skill entry.
func (s *SkillIndex) Get(name string) (*Entry, bool) { return s.get(name) }

// List returns all skill entries, name-sorted.
func (s *SkillIndex) List() []*Entry { return s.list() }

// Remove deletes the named skill entry.
func (s *SkillIndex) Remove(name string) { s.remove(name) }

// SubagentIndex indexes subagent definitions: named agent configurations
// (a system prompt, an allowed-tool subset, optionally a distinct model)
// that the orchestrator can spawn as a nested session (spec §3).
type SubagentIndex struct {
	*index
}

// NewSubagentIndex builds an empty SubagentIndex.
func NewSubagentIndex() *SubagentIndex { return &SubagentIndex{index: newIndex()} }

// Register adds or replaces a subagent entry, per sourcePriority conflict
// resolution.
func (s *SubagentIndex) Register(e *Entry) { s.register(e) }

// Get returns the named subagent entry.
func (s *SubagentIndex) Get(name string) (*Entry, bool) { return s.get(name) }

// List returns all subagent entries, name-sorted.
func (s *SubagentIndex) List() []*Entry { return s.list() }

// Remove deletes the named subagent entry.
func (s *SubagentIndex) Remove(name string) { s.remove(name) }
