// Package store persists the task catalog, per-session state and the
// answer history. The Postgres implementation is the production store;
// the in-memory implementation backs tests and database-less runs.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for ids that never existed.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyAssigned is returned by CreateAssignment when the chat
	// already has an outstanding assignment.
	ErrAlreadyAssigned = errors.New("session already has an outstanding assignment")

	// ErrNotOutstanding is returned by CompleteAssignment when the
	// assignment has already been answered or expired.
	ErrNotOutstanding = errors.New("assignment is not outstanding")
)

type Store interface {
	// TouchUser upserts the user and bumps last_active_at. It reports
	// whether this was the user's first contact.
	TouchUser(ctx context.Context, uid int64, username *string, fullName string) (bool, error)
	// UserStats counts graded answers within the trailing period.
	UserStats(ctx context.Context, uid int64, period time.Duration) (AnswerStat, error)
	// AnswersByUser returns the user's graded history, newest first.
	AnswersByUser(ctx context.Context, uid int64, limit int) ([]GradedAnswer, error)

	// SessionFilter returns the session's filter expression, nil when
	// the session has none (absent row included).
	SessionFilter(ctx context.Context, chatID int64) (*string, error)
	// SetSessionFilter replaces the session's filter, last write wins.
	// A nil filter clears it.
	SetSessionFilter(ctx context.Context, chatID int64, filter *string) error

	// UpsertTask inserts the task or, when a task with the same hash
	// exists, re-activates it. Either way it returns the canonical id.
	UpsertTask(ctx context.Context, hash int64, tags map[string]string, data TaskData) (int64, error)
	// SyncTasks upserts a full catalog and deactivates every task not
	// in it, atomically. Returns (upserted, deactivated).
	SyncTasks(ctx context.Context, ups []TaskUpsert) (int64, int64, error)
	// DeactivateTask retires the task; ErrNotFound if the id never existed.
	DeactivateTask(ctx context.Context, id int64) error
	ActiveTasks(ctx context.Context) ([]Task, error)
	TaskByID(ctx context.Context, id int64) (*Task, error)
	// FilterInfo collects distinct tag names and values over active tasks.
	FilterInfo(ctx context.Context) ([]FilterInfo, error)

	// OutstandingAssignment returns the chat's outstanding assignment,
	// nil when the session is idle.
	OutstandingAssignment(ctx context.Context, chatID int64) (*Assignment, error)
	// CreateAssignment opens an assignment with the task payload cached
	// on the row. ErrAlreadyAssigned when one is outstanding; callers
	// losing that race re-read the winner's row.
	CreateAssignment(ctx context.Context, chatID, taskID int64, data TaskData) (*Assignment, error)
	// CompleteAssignment atomically marks the assignment answered,
	// appends the user_answer row and bumps the user's last_active_at.
	// ErrNotOutstanding when it was already answered or expired.
	CompleteAssignment(ctx context.Context, assignmentID, uid int64, correct *bool, answeredAt time.Time) (*GradedAnswer, error)
	// ExpireAssignments abandons the chat's outstanding assignment when
	// it was asked before the cutoff.
	ExpireAssignments(ctx context.Context, chatID int64, cutoff time.Time) (int64, error)
	// ExpireAllAssignments is the periodic hygiene sweep across all chats.
	ExpireAllAssignments(ctx context.Context, cutoff time.Time) (int64, error)
	// TaskHistory returns per-task answer stats for the user, restricted
	// to taskIDs. Tasks without history are absent from the map.
	TaskHistory(ctx context.Context, uid int64, taskIDs []int64) (map[int64]TaskStats, error)

	Ping(ctx context.Context) error
	Close() error
}
