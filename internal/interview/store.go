package interview

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	// mu 串行化同一会话上的所有修改，包括进行中的AI调用
	mu      sync.Mutex
	session *Session
	// snapshot 最近一次提交后的只读副本，读操作不经过mu
	snapshot atomic.Pointer[Session]
}

func (e *entry) publish() {
	e.snapshot.Store(e.session.Clone())
}

func (e *entry) done() bool {
	return e.snapshot.Load().IsCompleted()
}

// Store 内存会话表，按id索引，附带房间名二级索引
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	rooms    map[string]string
}

// NewStore 创建会话表
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		rooms:    make(map[string]string),
	}
}

// Insert 登记新会话。房间已被未结束的会话占用时返回ErrSessionExists
func (s *Store) Insert(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	if otherID, taken := s.rooms[sess.RoomName]; taken {
		if other := s.sessions[otherID]; other != nil && !other.done() {
			return fmt.Errorf("%w: room %s is hosting interview %s", ErrSessionExists, sess.RoomName, otherID)
		}
	}

	e := &entry{session: sess}
	e.publish()
	s.sessions[sess.ID] = e
	s.rooms[sess.RoomName] = sess.ID
	return nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get 返回最近一次提交的会话快照，不等待进行中的修改
func (s *Store) Get(id string) (*Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot.Load().Clone(), nil
}

// GetByRoom 按房间名查找会话快照
func (s *Store) GetByRoom(room string) (*Session, bool) {
	s.mu.RLock()
	id, ok := s.rooms[room]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	sess, err := s.Get(id)
	if err != nil {
		return nil, false
	}
	return sess, true
}

// Update 在会话锁内执行fn。fn返回错误时调用方需保证未修改会话
func (s *Store) Update(id string, fn func(*Session) error) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.session); err != nil {
		return err
	}
	e.publish()
	return nil
}

// Delete 移除会话
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	room := e.snapshot.Load().RoomName
	if s.rooms[room] == id {
		delete(s.rooms, room)
	}
}

// List 按开始时间排序的所有会话快照
func (s *Store) List() []*Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot.Load().Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Len 会话数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// EvictCompleted 移除结束时间早于cutoff的已完成会话，返回被移除的快照
func (s *Store) EvictCompleted(cutoff time.Time) []*Session {
	var evicted []*Session
	for _, sess := range s.List() {
		if sess.IsCompleted() && sess.EndTime != nil && sess.EndTime.Before(cutoff) {
			s.Delete(sess.ID)
			evicted = append(evicted, sess)
		}
	}
	return evicted
}
