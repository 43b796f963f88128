package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"lingodrill/internal/store"
)

// taskGroupFile is one authored catalog file: a themed group of tasks.
type taskGroupFile struct {
	Theme    string `yaml:"theme"`
	Category string `yaml:"category"`
	Tasks    []struct {
		store.TaskData `yaml:",inline"`
		Filters        []tagValue `yaml:"filters"`
	} `yaml:"tasks"`
}

type tagValue struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoadCatalogDir scans a directory for *.yaml/*.yml task-group files
// and flattens them into catalog entries. A file that fails to parse is
// logged and skipped; the rest of the catalog still loads.
func LoadCatalogDir(dir string, log *zap.Logger) ([]CatalogEntry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory %s: %w", dir, err)
	}

	var entries []CatalogEntry
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(file.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, file.Name())
		group, err := loadTaskGroup(path)
		if err != nil {
			log.Error("skipping unreadable catalog file", zap.String("path", path), zap.Error(err))
			continue
		}
		for _, task := range group.Tasks {
			tags := make(map[string]string, len(task.Filters))
			for _, tv := range task.Filters {
				tags[tv.Name] = tv.Value
			}
			entries = append(entries, CatalogEntry{Tags: tags, Data: task.TaskData})
		}
		log.Debug("loaded catalog file",
			zap.String("path", path),
			zap.String("theme", group.Theme),
			zap.Int("tasks", len(group.Tasks)))
	}
	return entries, nil
}

func loadTaskGroup(path string) (*taskGroupFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var group taskGroupFile
	if err := yaml.Unmarshal(raw, &group); err != nil {
		return nil, fmt.Errorf("failed to parse task group: %w", err)
	}
	return &group, nil
}
