package core

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"lingodrill/internal/store"
)

// SchedulerConfig carries the deployment-tunable scheduling knobs.
type SchedulerConfig struct {
	// Cooldown suppresses a task for a session after a correct answer.
	Cooldown time.Duration
	// AssignmentTTL abandons an unanswered assignment, freeing the
	// session for a new one.
	AssignmentTTL time.Duration
}

// NextResult is the outcome of a successful Next call. Redelivered is
// true when the session already had an outstanding assignment and the
// same task was handed back instead of a new one.
type NextResult struct {
	Assignment  *store.Assignment
	Redelivered bool
}

// Scheduler selects and assigns the next exercise for a session.
type Scheduler struct {
	store store.Store
	cfg   SchedulerConfig
	log   *zap.Logger
	now   func() time.Time
}

func NewScheduler(s store.Store, cfg SchedulerConfig, log *zap.Logger) *Scheduler {
	return &Scheduler{store: s, cfg: cfg, log: log, now: time.Now}
}

// Next assigns the next exercise to the session, with "ask one, await
// one" semantics:
//
//   - An outstanding assignment past the TTL is expired first (lazy
//     expiry; the sweep is only hygiene).
//   - If an outstanding assignment remains, it is redelivered as-is.
//     A second Next while awaiting never opens a second assignment.
//   - Otherwise the eligible set is the active tasks matching the
//     session filter, minus tasks answered correctly within the
//     cool-down window; empty means ErrExhausted.
//   - Ranking: never-asked first, then most-recently-wrong, then
//     least-recently-asked; ties break randomly.
//
// Two concurrent calls for one session cannot both open assignments:
// the store rejects the second insert and the loser redelivers the
// winner's assignment.
func (s *Scheduler) Next(ctx context.Context, chatID, uid int64) (*NextResult, error) {
	now := s.now()

	expired, err := s.store.ExpireAssignments(ctx, chatID, now.Add(-s.cfg.AssignmentTTL))
	if err != nil {
		return nil, err
	}
	if expired > 0 {
		s.log.Info("expired stale assignment", zap.Int64("chat_id", chatID))
	}

	outstanding, err := s.store.OutstandingAssignment(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if outstanding != nil {
		return &NextResult{Assignment: outstanding, Redelivered: true}, nil
	}

	eligible, err := s.eligibleTasks(ctx, chatID, uid, now)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrExhausted
	}

	pick := eligible[0]
	assignment, err := s.store.CreateAssignment(ctx, chatID, pick.task.ID, pick.task.Data)
	if errors.Is(err, store.ErrAlreadyAssigned) {
		// Lost the race to a concurrent call; hand back its assignment.
		outstanding, err := s.store.OutstandingAssignment(ctx, chatID)
		if err != nil {
			return nil, err
		}
		if outstanding == nil {
			return nil, store.ErrAlreadyAssigned
		}
		return &NextResult{Assignment: outstanding, Redelivered: true}, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Debug("assigned task",
		zap.Int64("chat_id", chatID),
		zap.Int64("task_id", pick.task.ID))
	return &NextResult{Assignment: assignment}, nil
}

type rankedTask struct {
	task  store.Task
	stats *store.TaskStats // nil when never asked
}

// eligibleTasks computes and ranks the session's eligible set.
func (s *Scheduler) eligibleTasks(ctx context.Context, chatID, uid int64, now time.Time) ([]rankedTask, error) {
	filterExpr, err := s.store.SessionFilter(ctx, chatID)
	if err != nil {
		return nil, err
	}
	var filter *Filter
	if filterExpr != nil {
		filter = ParseFilter(*filterExpr)
	}

	tasks, err := s.store.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}

	var matched []store.Task
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		if filter.Match(task.Tags) {
			matched = append(matched, task)
			ids = append(ids, task.ID)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	history, err := s.store.TaskHistory(ctx, uid, ids)
	if err != nil {
		return nil, err
	}

	ranked := make([]rankedTask, 0, len(matched))
	for _, task := range matched {
		stats, asked := history[task.ID]
		if asked && stats.LastCorrectAt != nil && now.Sub(*stats.LastCorrectAt) < s.cfg.Cooldown {
			continue // recently correct, suppressed for now
		}
		rt := rankedTask{task: task}
		if asked {
			st := stats
			rt.stats = &st
		}
		ranked = append(ranked, rt)
	}

	// Shuffle first so the stable sort breaks equal ranks randomly.
	rand.Shuffle(len(ranked), func(i, j int) { ranked[i], ranked[j] = ranked[j], ranked[i] })
	sort.SliceStable(ranked, func(i, j int) bool { return rankLess(ranked[i], ranked[j]) })
	return ranked, nil
}

// rankLess orders tasks: never-asked, then most-recently-wrong, then
// least-recently-asked.
func rankLess(a, b rankedTask) bool {
	if (a.stats == nil) != (b.stats == nil) {
		return a.stats == nil
	}
	if a.stats == nil {
		return false // both never asked, keep shuffled order
	}
	aw, bw := a.stats.LastWrongAt, b.stats.LastWrongAt
	switch {
	case aw != nil && bw != nil:
		if !aw.Equal(*bw) {
			return aw.After(*bw)
		}
	case aw != nil:
		return true
	case bw != nil:
		return false
	}
	aa, ba := a.stats.LastAskedAt, b.stats.LastAskedAt
	if aa != nil && ba != nil && !aa.Equal(*ba) {
		return aa.Before(*ba)
	}
	return false
}

// Sweep expires stale assignments across all sessions. Purely hygiene:
// Next expires lazily, so running the sweep changes no observable
// scheduling behavior.
func (s *Scheduler) Sweep(ctx context.Context) (int64, error) {
	expired, err := s.store.ExpireAllAssignments(ctx, s.now().Add(-s.cfg.AssignmentTTL))
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.log.Info("sweep expired assignments", zap.Int64("count", expired))
	}
	return expired, nil
}
