package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"lingodrill/internal/store"
)

// Recorder grades answers against the session's outstanding assignment
// and appends them to the user's history.
type Recorder struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewRecorder(s store.Store, log *zap.Logger) *Recorder {
	return &Recorder{store: s, log: log, now: time.Now}
}

// Grade closes the session's outstanding assignment with the given
// answer. Correctness is judged against the answer key cached on the
// assignment, never the live catalog row, so a deleted or retired task
// cannot fail grading; a missing key records correctness as unknown.
// ErrNoOutstandingAssignment when the session has nothing pending.
func (r *Recorder) Grade(ctx context.Context, chatID, uid int64, answer string) (*store.GradedAnswer, error) {
	outstanding, err := r.store.OutstandingAssignment(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if outstanding == nil {
		return nil, ErrNoOutstandingAssignment
	}

	correct := CheckAnswer(outstanding.TaskData, answer)
	graded, err := r.store.CompleteAssignment(ctx, outstanding.ID, uid, correct, r.now())
	if err != nil {
		if errors.Is(err, store.ErrNotOutstanding) {
			// Raced with another grade or with expiry.
			return nil, ErrNoOutstandingAssignment
		}
		return nil, err
	}

	r.log.Info("graded answer",
		zap.Int64("chat_id", chatID),
		zap.Int64("uid", uid),
		zap.Int64("task_id", graded.TaskID),
		zap.Boolp("correct", graded.Correct))
	return graded, nil
}

// CheckAnswer compares the answer to the task's key, ignoring case and
// surrounding whitespace. Returns nil (unknown) when the key is absent.
func CheckAnswer(data store.TaskData, answer string) *bool {
	key := strings.TrimSpace(data.Answer)
	if key == "" {
		return nil
	}
	correct := strings.EqualFold(strings.TrimSpace(answer), key)
	return &correct
}
