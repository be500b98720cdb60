// Package storage persists action outputs through pluggable providers and
// classifies provider failures into the executor's error categories.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/calderalabs/actionexec/core"
)

// ErrObjectNotFound is returned by Load when the object does not exist.
var ErrObjectNotFound = errors.New("stored object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Object is a loaded object with its metadata.
type Object struct {
	Data    []byte     `json:"data"`
	Info    ObjectInfo `json:"info"`
	SavedAt time.Time  `json:"savedAt"`
}

// Provider saves and loads opaque byte payloads. Implementations must be safe
// for concurrent use and honor context cancellation.
type Provider interface {
	// Name identifies the provider in output locations ("memory", "redis").
	Name() string

	Save(ctx context.Context, collection, id string, data []byte) (*ObjectInfo, error)
	Load(ctx context.Context, collection, id string) (*Object, error)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ClassifyError maps a provider failure to the storage error categories. An
// error that already carries a category passes through unchanged.
func ClassifyError(err error) *core.ErrorDetail {
	if d, ok := core.AsErrorDetail(err); ok {
		return d
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		d := core.NewErrorDetail(core.CategoryNetworkError,
			"storage operation cancelled or timed out", true)
		d.Cause = err
		return d
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		d := core.NewErrorDetail(core.CategoryNetworkError,
			"storage backend unreachable", true)
		d.Cause = err
		return d
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "throttl"):
		d := core.NewErrorDetail(core.CategoryRateLimited,
			"storage backend throttled the request", true)
		d.Cause = err
		return d

	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "permission") ||
		strings.Contains(msg, "access denied") || strings.Contains(msg, "forbidden"):
		d := core.NewErrorDetail(core.CategoryUnauthorized,
			"storage backend rejected the credentials", false)
		d.Cause = err
		d.Suggestion = "check the storage ACL for the action-outputs collection"
		return d

	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset"):
		d := core.NewErrorDetail(core.CategoryNetworkError,
			"storage backend connectivity failure", true)
		d.Cause = err
		return d

	default:
		// Quota, disk full, and anything unknown: never hidden.
		d := core.NewErrorDetail(core.CategoryStateInconsistent,
			fmt.Sprintf("storage failure: %v", err), false)
		d.Cause = err
		return d
	}
}
