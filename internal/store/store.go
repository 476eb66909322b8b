// Package store defines the shared state store the matchmaking core runs on:
// a key-value tree addressed by slash-separated paths with point reads and
// writes, single-field equality queries over a collection, and push-based
// watches.
//
// Watches deliver through a single-slot mailbox. A change that arrives before
// the previous one was taken replaces it, so a slow consumer only ever sees
// the latest value of a path. This mirrors the inbox contract: the store is
// last-write-wins everywhere.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Read when nothing is stored at the path.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Store is the shared state store consumed by the ledger, matchmaker and relay.
type Store interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, value []byte) error
	Delete(ctx context.Context, path string) error

	// Touch renews the expiry of path without changing or announcing its
	// value. It returns ErrNotFound when nothing is stored there, including
	// when the value expired silently.
	Touch(ctx context.Context, path string) error

	// Watch subscribes to path. The current value (or its absence) is
	// delivered first, followed by every later change.
	Watch(ctx context.Context, path string) (Subscription, error)

	// QueryEqual scans the direct children of collection and returns those
	// whose document at fieldPath's parent has a string field equal to value.
	// fieldPath is "doc/field", e.g. "status/kind".
	QueryEqual(ctx context.Context, collection, fieldPath, value string) ([]Entry, error)
}

// Change is one observed value of a watched path.
type Change struct {
	Path   string
	Value  []byte
	Exists bool
}

// Entry is one match of QueryEqual: the child key and the matched document.
type Entry struct {
	Key   string
	Value []byte
}

// Subscription is a cancellable watch.
type Subscription interface {
	// Changes is closed once the subscription ends.
	Changes() <-chan Change
	// Err reports why the subscription ended; nil after an explicit Close.
	Err() error
	Close() error
}

// splitFieldPath turns "status/kind" into ("status", "kind").
func splitFieldPath(fieldPath string) (doc, field string, ok bool) {
	i := strings.LastIndex(fieldPath, "/")
	if i <= 0 || i == len(fieldPath)-1 {
		return "", "", false
	}
	return fieldPath[:i], fieldPath[i+1:], true
}

// childKey extracts the child key from "collection/key/doc", or reports false.
func childKey(path, collection, doc string) (string, bool) {
	prefix := collection + "/"
	suffix := "/" + doc
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	key := path[len(prefix) : len(path)-len(suffix)]
	if key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

// fieldEquals reports whether doc is a JSON object whose field is the string value.
// Undecodable documents never match.
func fieldEquals(doc []byte, field, value string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return false
	}
	raw, ok := obj[field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == value
}

// MatchEntry reports whether the value stored at path belongs in the result of
// QueryEqual(collection, fieldPath, value), returning the child key if so.
// Implementations backed by a scan use it to filter candidates.
func MatchEntry(path string, doc []byte, collection, fieldPath, value string) (string, bool) {
	docName, field, ok := splitFieldPath(fieldPath)
	if !ok {
		return "", false
	}
	key, ok := childKey(path, collection, docName)
	if !ok {
		return "", false
	}
	return key, fieldEquals(doc, field, value)
}

// QueryPattern returns the path glob that QueryEqual candidates match,
// e.g. "users/*/status".
func QueryPattern(collection, fieldPath string) (string, bool) {
	docName, _, ok := splitFieldPath(fieldPath)
	if !ok {
		return "", false
	}
	return collection + "/*/" + docName, true
}
