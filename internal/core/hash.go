package core

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"lingodrill/internal/store"
)

// ContentHash computes the stable content hash a task is deduplicated
// by. It covers the filter tags and the full payload; encoding/json
// sorts map keys, so the encoding is canonical regardless of tag order.
func ContentHash(tags map[string]string, data store.TaskData) (int64, error) {
	content := struct {
		Tags map[string]string `json:"tags"`
		Data store.TaskData    `json:"data"`
	}{Tags: tags, Data: data}

	encoded, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("failed to encode task content for hashing: %w", err)
	}
	// BIGINT column, so the sign bit is fair game.
	return int64(xxhash.Sum64(encoded)), nil
}
