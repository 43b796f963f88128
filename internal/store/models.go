package store

import "time"

type UserInfo struct {
	UID          int64     `json:"uid"`
	Username     *string   `json:"username"` // Nullable
	FullName     string    `json:"full_name"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Hint is a named clue attached to a task ("gender": "die", ...).
type Hint struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// TaskData is the exercise payload stored as JSONB in task_info and
// cached on every assignment so grading survives catalog pruning.
type TaskData struct {
	Sentence       string            `json:"sentence" yaml:"sentence"`
	MaskedSentence string            `json:"masked_sentence" yaml:"masked_sentence"`
	Answer         string            `json:"answer" yaml:"answer"`
	Base           string            `json:"base,omitempty" yaml:"base"`
	Translations   map[string]string `json:"translations,omitempty" yaml:"translations"`
	Hints          []Hint            `json:"hints,omitempty" yaml:"hints"`
	WrongAnswers   []string          `json:"wrong_answers,omitempty" yaml:"wrong_answers"`
}

// Task is a canonical catalog row. Tags are the filterable metadata;
// Hash covers both Tags and Data and uniquely identifies the content.
type Task struct {
	ID     int64             `json:"id"`
	Hash   int64             `json:"-"`
	Active bool              `json:"active"`
	Tags   map[string]string `json:"tags"`
	Data   TaskData          `json:"data"`
}

// TaskUpsert is one catalog entry in a bulk sync.
type TaskUpsert struct {
	Hash int64
	Tags map[string]string
	Data TaskData
}

// Assignment records that a task was shown to a session. It is
// outstanding while both AnsweredAt and ExpiredAt are nil; the store
// guarantees at most one outstanding assignment per chat.
type Assignment struct {
	ID         int64      `json:"id"`
	ChatID     int64      `json:"chat_id"`
	TaskID     int64      `json:"task_id"`
	TaskData   TaskData   `json:"task_data"`
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	ExpiredAt  *time.Time `json:"expired_at,omitempty"`
}

// Outstanding reports whether the assignment is still awaiting an answer.
func (a *Assignment) Outstanding() bool {
	return a.AnsweredAt == nil && a.ExpiredAt == nil
}

// GradedAnswer is one append-only history row. Correct is nil when the
// grading key was unavailable (the task vanished without a usable cache).
type GradedAnswer struct {
	ID         int64     `json:"id"`
	UID        int64     `json:"uid"`
	TaskID     int64     `json:"task_id"`
	Correct    *bool     `json:"correct"`
	AskedAt    time.Time `json:"asked_at"`
	AnsweredAt time.Time `json:"answered_at"`
}

type AnswerStat struct {
	Count   int64 `json:"count"`
	Correct int64 `json:"correct"`
}

// FilterInfo lists one filter tag name and the values it takes across
// active tasks.
type FilterInfo struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// TaskStats summarizes a user's graded history for one task; the
// scheduler ranks eligible tasks with it. A never-asked task has no
// entry at all.
type TaskStats struct {
	Answers       int64
	LastAskedAt   *time.Time
	LastCorrectAt *time.Time
	LastWrongAt   *time.Time
}
