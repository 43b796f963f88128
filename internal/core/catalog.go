package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lingodrill/internal/store"
)

// CatalogEntry is one exercise as authored: its filter tags plus the
// payload. The catalog derives the content hash from both.
type CatalogEntry struct {
	Tags map[string]string
	Data store.TaskData
}

// Catalog manages the content-addressed task store.
type Catalog struct {
	store store.Store
	log   *zap.Logger
}

func NewCatalog(s store.Store, log *zap.Logger) *Catalog {
	return &Catalog{store: s, log: log}
}

// Upsert stores the task, deduplicating by content hash. Re-submitting
// identical content returns the existing id and re-activates the task
// if it had been retired; no duplicate row is ever created.
func (c *Catalog) Upsert(ctx context.Context, tags map[string]string, data store.TaskData) (int64, error) {
	hash, err := ContentHash(tags, data)
	if err != nil {
		return 0, err
	}
	id, err := c.store.UpsertTask(ctx, hash, tags, data)
	if err != nil {
		return 0, err
	}
	c.log.Debug("upserted task", zap.Int64("task_id", id), zap.Int64("hash", hash))
	return id, nil
}

// Deactivate retires the task from future selection without touching
// historical assignments or answers. store.ErrNotFound when the id
// never existed.
func (c *Catalog) Deactivate(ctx context.Context, id int64) error {
	if err := c.store.DeactivateTask(ctx, id); err != nil {
		return err
	}
	c.log.Info("deactivated task", zap.Int64("task_id", id))
	return nil
}

// Query returns the active tasks matching the filter. Tag matching
// happens in-process over the active set.
func (c *Catalog) Query(ctx context.Context, filter *Filter) ([]store.Task, error) {
	tasks, err := c.store.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return tasks, nil
	}
	matched := tasks[:0]
	for _, task := range tasks {
		if filter.Match(task.Tags) {
			matched = append(matched, task)
		}
	}
	return matched, nil
}

// FilterInfo lists the filter tag names and values available across
// active tasks, for presenting filter choices to users.
func (c *Catalog) FilterInfo(ctx context.Context) ([]store.FilterInfo, error) {
	return c.store.FilterInfo(ctx)
}

// Sync replaces the catalog content: every entry is upserted and every
// task not among them is deactivated. Returns (upserted, deactivated).
func (c *Catalog) Sync(ctx context.Context, entries []CatalogEntry) (int64, int64, error) {
	ups := make([]store.TaskUpsert, 0, len(entries))
	for _, entry := range entries {
		hash, err := ContentHash(entry.Tags, entry.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to hash catalog entry: %w", err)
		}
		ups = append(ups, store.TaskUpsert{Hash: hash, Tags: entry.Tags, Data: entry.Data})
	}
	upserted, deactivated, err := c.store.SyncTasks(ctx, ups)
	if err != nil {
		return 0, 0, err
	}
	c.log.Info("synced catalog",
		zap.Int64("upserted", upserted),
		zap.Int64("deactivated", deactivated))
	return upserted, deactivated, nil
}
