// Package store holds the state shown by the UI. Callers read deep-copied snapshots
// and change state only through the mutation methods.
package store

import (
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"dbcopier/backend/internal/types"
)

type Snapshot struct {
	Configs       []string      `json:"configs"`
	CurrentConfig *types.Config `json:"current_config,omitempty"`
	Tasks         []types.Task  `json:"tasks"`
	Loading       bool          `json:"loading"`
	Version       uint64        `json:"version"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Configs = append([]string{}, s.Configs...)
	if s.CurrentConfig != nil {
		c := s.CurrentConfig.Clone()
		out.CurrentConfig = &c
	}
	out.Tasks = lo.Map(s.Tasks, func(t types.Task, _ int) types.Task { return t.Clone() })
	return out
}

// Task returns the task with id from the snapshot.
func (s Snapshot) Task(id string) (types.Task, bool) {
	return lo.Find(s.Tasks, func(t types.Task) bool { return t.ID == id })
}

type Store struct {
	mu    sync.RWMutex
	state Snapshot
	subs  map[string]func(Snapshot)
}

func New() *Store {
	return &Store{
		state: Snapshot{Configs: []string{}, Tasks: []types.Task{}},
		subs:  make(map[string]func(Snapshot)),
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe calls fn with a snapshot after every mutation.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	key := uuid.NewString()
	s.mu.Lock()
	s.subs[key] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
	}
}

// mutate 单写者：修改在锁内完成，通知在锁外进行
func (s *Store) mutate(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.state)
	s.state.Version++
	snap := s.state.clone()
	fns := lo.Values(s.subs)
	s.mu.Unlock()

	for _, f := range fns {
		f(snap)
	}
}

func (s *Store) SetConfigs(names []string) {
	s.mutate(func(st *Snapshot) {
		st.Configs = append([]string{}, names...)
		if st.CurrentConfig != nil && !lo.Contains(names, st.CurrentConfig.Name) {
			st.CurrentConfig = nil
		}
	})
}

// SetCurrentConfig selects the config being edited; nil clears the selection.
func (s *Store) SetCurrentConfig(cfg *types.Config) {
	s.mutate(func(st *Snapshot) {
		if cfg == nil {
			st.CurrentConfig = nil
			return
		}
		c := cfg.Clone()
		st.CurrentConfig = &c
	})
}

// UpsertTask replaces the task with the same id or appends it. An update older
// than the one already held (lower Seq) is ignored.
func (s *Store) UpsertTask(task types.Task) {
	s.mutate(func(st *Snapshot) {
		task = task.Clone()
		cur, i, ok := lo.FindIndexOf(st.Tasks, func(t types.Task) bool { return t.ID == task.ID })
		if ok {
			if task.Seq < cur.Seq {
				return
			}
			st.Tasks[i] = task
			return
		}
		st.Tasks = append(st.Tasks, task)
	})
}

func (s *Store) RemoveTask(id string) {
	s.mutate(func(st *Snapshot) {
		st.Tasks = lo.Reject(st.Tasks, func(t types.Task, _ int) bool { return t.ID == id })
	})
}

func (s *Store) SetLoading(loading bool) {
	s.mutate(func(st *Snapshot) { st.Loading = loading })
}
