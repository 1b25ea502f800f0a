// Package settings stores operator-tunable key/value pairs. Decision logic
// does not read them; they are an extension point for the console.
package settings

import (
	"context"
	"errors"
	"time"
)

var ErrSettingNotFound = errors.New("setting not found")

// Setting is one key/value pair.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists settings. Put inserts or replaces by key.
type Store interface {
	Get(ctx context.Context, key string) (*Setting, error)
	Put(ctx context.Context, key, value string) (*Setting, error)
	List(ctx context.Context) ([]*Setting, error)
}
