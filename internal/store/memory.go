package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded Store used for tests and for running
// the engine without a database (DATABASE_URL empty). Semantics match
// the Postgres store, including the one-outstanding-assignment-per-chat
// guarantee.
type MemoryStore struct {
	mu sync.Mutex

	users    map[int64]*UserInfo
	sessions map[int64]*string

	tasks      map[int64]*Task
	byHash     map[int64]int64
	nextTaskID int64

	assignments  []*Assignment
	nextAssignID int64

	answers      []*GradedAnswer
	nextAnswerID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*UserInfo),
		sessions: make(map[int64]*string),
		tasks:    make(map[int64]*Task),
		byHash:   make(map[int64]int64),
	}
}

func (s *MemoryStore) Close() error               { return nil }
func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) TouchUser(_ context.Context, uid int64, username *string, fullName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if u, ok := s.users[uid]; ok {
		u.LastActiveAt = now
		return false, nil
	}
	s.users[uid] = &UserInfo{
		UID:          uid,
		Username:     username,
		FullName:     fullName,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	return true, nil
}

func (s *MemoryStore) UserStats(_ context.Context, uid int64, period time.Duration) (AnswerStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stat AnswerStat
	since := time.Now().Add(-period)
	for _, a := range s.answers {
		if a.UID != uid || !a.AnsweredAt.After(since) {
			continue
		}
		stat.Count++
		if a.Correct != nil && *a.Correct {
			stat.Correct++
		}
	}
	return stat, nil
}

func (s *MemoryStore) AnswersByUser(_ context.Context, uid int64, limit int) ([]GradedAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var answers []GradedAnswer
	for i := len(s.answers) - 1; i >= 0 && len(answers) < limit; i-- {
		if s.answers[i].UID == uid {
			answers = append(answers, *s.answers[i])
		}
	}
	return answers, nil
}

func (s *MemoryStore) SessionFilter(_ context.Context, chatID int64) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := s.sessions[chatID]
	if filter == nil {
		return nil, nil
	}
	f := *filter
	return &f, nil
}

func (s *MemoryStore) SetSessionFilter(_ context.Context, chatID int64, filter *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filter == nil {
		s.sessions[chatID] = nil
		return nil
	}
	f := *filter
	s.sessions[chatID] = &f
	return nil
}

func (s *MemoryStore) UpsertTask(_ context.Context, hash int64, tags map[string]string, data TaskData) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(hash, tags, data), nil
}

func (s *MemoryStore) upsertLocked(hash int64, tags map[string]string, data TaskData) int64 {
	if id, ok := s.byHash[hash]; ok {
		s.tasks[id].Active = true
		return id
	}
	s.nextTaskID++
	id := s.nextTaskID
	s.tasks[id] = &Task{
		ID:     id,
		Hash:   hash,
		Active: true,
		Tags:   maps.Clone(tags),
		Data:   data,
	}
	s.byHash[hash] = id
	return id
}

func (s *MemoryStore) SyncTasks(_ context.Context, ups []TaskUpsert) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[int64]bool, len(ups))
	for _, up := range ups {
		keep[s.upsertLocked(up.Hash, up.Tags, up.Data)] = true
	}
	var deactivated int64
	for id, task := range s.tasks {
		if task.Active && !keep[id] {
			task.Active = false
			deactivated++
		}
	}
	return int64(len(ups)), deactivated, nil
}

func (s *MemoryStore) DeactivateTask(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Active = false
	return nil
}

func (s *MemoryStore) ActiveTasks(context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []Task
	for _, task := range s.tasks {
		if task.Active {
			tasks = append(tasks, *task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *MemoryStore) TaskByID(_ context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	t := *task
	return &t, nil
}

func (s *MemoryStore) FilterInfo(context.Context) ([]FilterInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName := make(map[string]map[string]bool)
	for _, task := range s.tasks {
		if !task.Active {
			continue
		}
		for name, value := range task.Tags {
			if byName[name] == nil {
				byName[name] = make(map[string]bool)
			}
			byName[name][value] = true
		}
	}
	var infos []FilterInfo
	for name, values := range byName {
		info := FilterInfo{Name: name}
		for value := range values {
			info.Values = append(info.Values, value)
		}
		sort.Strings(info.Values)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return strings.Compare(infos[i].Name, infos[j].Name) < 0 })
	return infos, nil
}

func (s *MemoryStore) OutstandingAssignment(_ context.Context, chatID int64) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.outstandingLocked(chatID); a != nil {
		out := *a
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) outstandingLocked(chatID int64) *Assignment {
	for _, a := range s.assignments {
		if a.ChatID == chatID && a.Outstanding() {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) CreateAssignment(_ context.Context, chatID, taskID int64, data TaskData) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstandingLocked(chatID) != nil {
		return nil, ErrAlreadyAssigned
	}
	s.nextAssignID++
	a := &Assignment{
		ID:       s.nextAssignID,
		ChatID:   chatID,
		TaskID:   taskID,
		TaskData: data,
		AskedAt:  time.Now(),
	}
	s.assignments = append(s.assignments, a)
	out := *a
	return &out, nil
}

func (s *MemoryStore) CompleteAssignment(_ context.Context, assignmentID, uid int64, correct *bool, answeredAt time.Time) (*GradedAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var target *Assignment
	for _, a := range s.assignments {
		if a.ID == assignmentID {
			target = a
			break
		}
	}
	if target == nil || !target.Outstanding() {
		return nil, ErrNotOutstanding
	}
	at := answeredAt
	target.AnsweredAt = &at

	s.nextAnswerID++
	answer := &GradedAnswer{
		ID:         s.nextAnswerID,
		UID:        uid,
		TaskID:     target.TaskID,
		Correct:    correct,
		AskedAt:    target.AskedAt,
		AnsweredAt: answeredAt,
	}
	s.answers = append(s.answers, answer)
	if u, ok := s.users[uid]; ok {
		u.LastActiveAt = answeredAt
	}
	out := *answer
	return &out, nil
}

func (s *MemoryStore) ExpireAssignments(_ context.Context, chatID int64, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired int64
	now := time.Now()
	for _, a := range s.assignments {
		if a.ChatID == chatID && a.Outstanding() && a.AskedAt.Before(cutoff) {
			at := now
			a.ExpiredAt = &at
			expired++
		}
	}
	return expired, nil
}

func (s *MemoryStore) ExpireAllAssignments(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired int64
	now := time.Now()
	for _, a := range s.assignments {
		if a.Outstanding() && a.AskedAt.Before(cutoff) {
			at := now
			a.ExpiredAt = &at
			expired++
		}
	}
	return expired, nil
}

func (s *MemoryStore) TaskHistory(_ context.Context, uid int64, taskIDs []int64) (map[int64]TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[int64]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}
	stats := make(map[int64]TaskStats)
	for _, a := range s.answers {
		if a.UID != uid || !wanted[a.TaskID] {
			continue
		}
		st := stats[a.TaskID]
		st.Answers++
		st.LastAskedAt = laterOf(st.LastAskedAt, a.AskedAt)
		if a.Correct != nil && *a.Correct {
			st.LastCorrectAt = laterOf(st.LastCorrectAt, a.AnsweredAt)
		} else {
			st.LastWrongAt = laterOf(st.LastWrongAt, a.AnsweredAt)
		}
		stats[a.TaskID] = st
	}
	return stats, nil
}

func laterOf(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}
