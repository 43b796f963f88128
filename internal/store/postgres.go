package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on top of database/sql with lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the pool, waits for the database with
// exponential backoff and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := retry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS user_info (
        uid BIGINT PRIMARY KEY,
        username TEXT,
        full_name TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE TABLE IF NOT EXISTS user_state (
        chat_id BIGINT PRIMARY KEY,
        filter TEXT
    );

    CREATE TABLE IF NOT EXISTS task_info (
        id BIGSERIAL PRIMARY KEY,
        hash BIGINT NOT NULL UNIQUE,
        active BOOLEAN NOT NULL DEFAULT true,
        filters JSONB NOT NULL,
        task_data JSONB NOT NULL
    );

    -- No foreign keys on task_id: history must survive catalog pruning.
    CREATE TABLE IF NOT EXISTS user_task (
        id BIGSERIAL PRIMARY KEY,
        chat_id BIGINT NOT NULL,
        task_id BIGINT NOT NULL,
        task_data JSONB NOT NULL,
        asked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        answered_at TIMESTAMPTZ,
        expired_at TIMESTAMPTZ
    );

    -- At most one outstanding assignment per chat.
    CREATE UNIQUE INDEX IF NOT EXISTS user_task_outstanding
        ON user_task (chat_id) WHERE answered_at IS NULL AND expired_at IS NULL;

    CREATE TABLE IF NOT EXISTS user_answer (
        id BIGSERIAL PRIMARY KEY,
        uid BIGINT NOT NULL REFERENCES user_info (uid) ON DELETE CASCADE,
        task_id BIGINT NOT NULL,
        correct BOOLEAN,
        asked_at TIMESTAMPTZ NOT NULL,
        answered_at TIMESTAMPTZ NOT NULL
    );

    CREATE INDEX IF NOT EXISTS user_answer_uid_task ON user_answer (uid, task_id);
    `
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// User methods

func (s *PostgresStore) TouchUser(ctx context.Context, uid int64, username *string, fullName string) (bool, error) {
	var isNew bool
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO user_info (uid, username, full_name, created_at, last_active_at)
        VALUES ($1, $2, $3, now(), now())
        ON CONFLICT (uid) DO UPDATE SET last_active_at = now()
        RETURNING last_active_at = created_at`,
		uid, username, fullName).Scan(&isNew)
	if err != nil {
		return false, fmt.Errorf("failed to touch user: %w", err)
	}
	return isNew, nil
}

func (s *PostgresStore) UserStats(ctx context.Context, uid int64, period time.Duration) (AnswerStat, error) {
	var stat AnswerStat
	err := retry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
            SELECT count(*), coalesce(sum(correct::int), 0)
            FROM user_answer
            WHERE uid = $1 AND answered_at > now() - $2::interval`,
			uid, fmt.Sprintf("%f seconds", period.Seconds())).Scan(&stat.Count, &stat.Correct)
	})
	if err != nil {
		return AnswerStat{}, fmt.Errorf("failed to query answer stats: %w", err)
	}
	return stat, nil
}

func (s *PostgresStore) AnswersByUser(ctx context.Context, uid int64, limit int) ([]GradedAnswer, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, uid, task_id, correct, asked_at, answered_at
        FROM user_answer
        WHERE uid = $1
        ORDER BY answered_at DESC
        LIMIT $2`, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()

	var answers []GradedAnswer
	for rows.Next() {
		var a GradedAnswer
		var correct sql.NullBool
		if err := rows.Scan(&a.ID, &a.UID, &a.TaskID, &correct, &a.AskedAt, &a.AnsweredAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer row: %w", err)
		}
		if correct.Valid {
			a.Correct = &correct.Bool
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// Session state methods

func (s *PostgresStore) SessionFilter(ctx context.Context, chatID int64) (*string, error) {
	var filter sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT filter FROM user_state WHERE chat_id = $1", chatID).Scan(&filter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // no row means no filter
		}
		return nil, fmt.Errorf("failed to query session filter: %w", err)
	}
	if !filter.Valid {
		return nil, nil
	}
	return &filter.String, nil
}

func (s *PostgresStore) SetSessionFilter(ctx context.Context, chatID int64, filter *string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO user_state (chat_id, filter)
        VALUES ($1, $2)
        ON CONFLICT (chat_id) DO UPDATE SET filter = $2`,
		chatID, filter)
	if err != nil {
		return fmt.Errorf("failed to set session filter: %w", err)
	}
	return nil
}

// Catalog methods

func (s *PostgresStore) UpsertTask(ctx context.Context, hash int64, tags map[string]string, data TaskData) (int64, error) {
	id, err := upsertTask(ctx, s.db, hash, tags, data)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert task: %w", err)
	}
	return id, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertTask(ctx context.Context, q execer, hash int64, tags map[string]string, data TaskData) (int64, error) {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, err
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.QueryRowContext(ctx, `
        INSERT INTO task_info (hash, filters, active, task_data)
        VALUES ($1, $2, true, $3)
        ON CONFLICT (hash) DO UPDATE SET active = true
        RETURNING id`,
		hash, tagsJSON, dataJSON).Scan(&id)
	return id, err
}

func (s *PostgresStore) SyncTasks(ctx context.Context, ups []TaskUpsert) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin sync: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(ups))
	for _, up := range ups {
		id, err := upsertTask(ctx, tx, up.Hash, up.Tags, up.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to upsert task during sync: %w", err)
		}
		ids = append(ids, id)
	}

	res, err := tx.ExecContext(ctx, `
        UPDATE task_info
        SET active = false
        WHERE active AND id != all($1)`, pq.Array(ids))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to deactivate stale tasks: %w", err)
	}
	deactivated, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit sync: %w", err)
	}
	return int64(len(ids)), deactivated, nil
}

func (s *PostgresStore) DeactivateTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE task_info SET active = false WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to deactivate task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ActiveTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
            SELECT id, hash, active, filters, task_data
            FROM task_info
            WHERE active
            ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, *task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query active tasks: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var task Task
	var tagsJSON, dataJSON []byte
	if err := r.Scan(&task.ID, &task.Hash, &task.Active, &tagsJSON, &dataJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tagsJSON, &task.Tags); err != nil {
		return nil, fmt.Errorf("bad filters json for task %d: %w", task.ID, err)
	}
	if err := json.Unmarshal(dataJSON, &task.Data); err != nil {
		return nil, fmt.Errorf("bad task_data json for task %d: %w", task.ID, err)
	}
	return &task, nil
}

func (s *PostgresStore) TaskByID(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, hash, active, filters, task_data
        FROM task_info
        WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) FilterInfo(ctx context.Context) ([]FilterInfo, error) {
	var infos []FilterInfo
	err := retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
            SELECT (r.r).key AS key, array_agg(DISTINCT (r.r).value ORDER BY (r.r).value) AS values
            FROM (
                SELECT jsonb_each_text(filters) AS r
                FROM task_info
                WHERE active
            ) AS r
            GROUP BY 1
            ORDER BY 1`)
		if err != nil {
			return err
		}
		defer rows.Close()

		infos = infos[:0]
		for rows.Next() {
			var info FilterInfo
			if err := rows.Scan(&info.Name, pq.Array(&info.Values)); err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect filter info: %w", err)
	}
	return infos, nil
}

// Assignment methods

func (s *PostgresStore) OutstandingAssignment(ctx context.Context, chatID int64) (*Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, chat_id, task_id, task_data, asked_at, answered_at, expired_at
        FROM user_task
        WHERE chat_id = $1 AND answered_at IS NULL AND expired_at IS NULL`,
		chatID)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query outstanding assignment: %w", err)
	}
	return a, nil
}

func scanAssignment(r rowScanner) (*Assignment, error) {
	var a Assignment
	var dataJSON []byte
	var answeredAt, expiredAt sql.NullTime
	if err := r.Scan(&a.ID, &a.ChatID, &a.TaskID, &dataJSON, &a.AskedAt, &answeredAt, &expiredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dataJSON, &a.TaskData); err != nil {
		return nil, fmt.Errorf("bad task_data json for assignment %d: %w", a.ID, err)
	}
	if answeredAt.Valid {
		a.AnsweredAt = &answeredAt.Time
	}
	if expiredAt.Valid {
		a.ExpiredAt = &expiredAt.Time
	}
	return &a, nil
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, chatID, taskID int64, data TaskData) (*Assignment, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task data: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
        INSERT INTO user_task (chat_id, task_id, task_data, asked_at)
        VALUES ($1, $2, $3, now())
        RETURNING id, chat_id, task_id, task_data, asked_at, answered_at, expired_at`,
		chatID, taskID, dataJSON)
	a, err := scanAssignment(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// The partial unique index rejected a second outstanding row.
			return nil, ErrAlreadyAssigned
		}
		return nil, fmt.Errorf("failed to create assignment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) CompleteAssignment(ctx context.Context, assignmentID, uid int64, correct *bool, answeredAt time.Time) (*GradedAnswer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin grading: %w", err)
	}
	defer tx.Rollback()

	var taskID int64
	var askedAt time.Time
	err = tx.QueryRowContext(ctx, `
        UPDATE user_task
        SET answered_at = $2
        WHERE id = $1 AND answered_at IS NULL AND expired_at IS NULL
        RETURNING task_id, asked_at`,
		assignmentID, answeredAt).Scan(&taskID, &askedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotOutstanding
		}
		return nil, fmt.Errorf("failed to close assignment: %w", err)
	}

	answer := GradedAnswer{
		UID:        uid,
		TaskID:     taskID,
		Correct:    correct,
		AskedAt:    askedAt,
		AnsweredAt: answeredAt,
	}
	err = tx.QueryRowContext(ctx, `
        INSERT INTO user_answer (uid, task_id, correct, asked_at, answered_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id`,
		uid, taskID, correct, askedAt, answeredAt).Scan(&answer.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record answer: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE user_info SET last_active_at = $2 WHERE uid = $1", uid, answeredAt); err != nil {
		return nil, fmt.Errorf("failed to touch user activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit grading: %w", err)
	}
	return &answer, nil
}

func (s *PostgresStore) ExpireAssignments(ctx context.Context, chatID int64, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE user_task
        SET expired_at = now()
        WHERE chat_id = $1 AND answered_at IS NULL AND expired_at IS NULL AND asked_at < $2`,
		chatID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire assignments: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *PostgresStore) ExpireAllAssignments(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE user_task
        SET expired_at = now()
        WHERE answered_at IS NULL AND expired_at IS NULL AND asked_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep assignments: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *PostgresStore) TaskHistory(ctx context.Context, uid int64, taskIDs []int64) (map[int64]TaskStats, error) {
	stats := make(map[int64]TaskStats, len(taskIDs))
	if len(taskIDs) == 0 {
		return stats, nil
	}
	err := retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
            SELECT task_id,
                   count(*),
                   max(asked_at),
                   max(answered_at) FILTER (WHERE correct),
                   max(answered_at) FILTER (WHERE correct IS NOT TRUE)
            FROM user_answer
            WHERE uid = $1 AND task_id = any($2)
            GROUP BY task_id`,
			uid, pq.Array(taskIDs))
		if err != nil {
			return err
		}
		defer rows.Close()

		clear(stats)
		for rows.Next() {
			var taskID int64
			var st TaskStats
			var lastAsked, lastCorrect, lastWrong sql.NullTime
			if err := rows.Scan(&taskID, &st.Answers, &lastAsked, &lastCorrect, &lastWrong); err != nil {
				return err
			}
			if lastAsked.Valid {
				st.LastAskedAt = &lastAsked.Time
			}
			if lastCorrect.Valid {
				st.LastCorrectAt = &lastCorrect.Time
			}
			if lastWrong.Valid {
				st.LastWrongAt = &lastWrong.Time
			}
			stats[taskID] = st
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	return stats, nil
}

// transient reports whether the error looks like a connectivity problem
// worth retrying, as opposed to a statement-level failure.
func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception, class 57: operator intervention.
		switch pqErr.Code.Class() {
		case "08", "57":
			return true
		}
	}
	return false
}
