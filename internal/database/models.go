package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrAlreadyExists    = errors.New("document already exists")
	ErrWatchInterrupted = errors.New("watch interrupted")
	ErrInvalidPath      = errors.New("invalid document path")
)

// NotFoundError reports which document a batch expected to exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNotFound, e.Path)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AlreadyExistsError reports a Create against an existing document.
type AlreadyExistsError struct {
	Path string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAlreadyExists, e.Path)
}

func (e *AlreadyExistsError) Is(target error) bool {
	return target == ErrAlreadyExists
}

// Fields is the content of a document. Values are JSON compatible; numbers
// read back from a store are float64.
type Fields map[string]any

// Snapshot is one observed state of a document.
type Snapshot struct {
	Path   string
	Exists bool
	Data   Fields
	// Version is the commit sequence of the last write to the document.
	Version int64
	// HasPendingWrites is set when Data includes local writes the store has
	// not acknowledged yet.
	HasPendingWrites bool
}

// ID returns the last segment of the path.
func (s Snapshot) ID() string {
	return path2ID(s.Path)
}

// Doc joins path segments into a document path.
func Doc(segments ...string) string {
	return strings.Join(segments, "/")
}

// collectionOf returns the parent collection of a document path. Document
// paths have an even number of segments.
func collectionOf(path string) (string, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || len(parts)%2 != 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return strings.Join(parts[:len(parts)-1], "/"), nil
}

func path2ID(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// normalize deep-copies f through JSON so every backend holds the same
// value shapes.
func normalize(f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	var out Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return out, nil
}
