// Package persistence keeps an append-only audit log of shell lifecycle
// events in a bbolt database file. It exists purely for operational
// forensics — "who ran a pig shell, when, and when was it reaped" — and is
// never read back to reconstruct live ChildProcess state: spec.md's
// non-goals explicitly exclude persisting shell state across restarts, and
// this package must not become a backdoor around that.
package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"

	"github.com/toddlipcon/hue/internal/eventbus"
)

var auditBucket = []byte("shell_audit")

// Log is a write-only sink for shell lifecycle events, backed by a bbolt
// file.
type Log struct {
	db *bolt.DB
}

// Open creates or opens the audit database at path.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: init bucket: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

type auditRecord struct {
	Type      eventbus.EventType `json:"type"`
	Username  string             `json:"username"`
	ShellID   string             `json:"shellId"`
	KeyName   string             `json:"keyName,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Record appends ev to the audit log. Failures are logged, not propagated —
// a lifecycle event the shell-manager already processed must not be
// retried or undone because the audit sink had a bad day.
func (l *Log) Record(ev eventbus.ShellEvent, now time.Time) {
	rec := auditRecord{
		Type:      ev.Type,
		Username:  ev.Username,
		ShellID:   ev.ShellID,
		KeyName:   ev.KeyName,
		Timestamp: now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.L.WithError(err).Error("persistence: marshal audit record")
		return
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
	if err != nil {
		log.L.WithError(err).Error("persistence: write audit record")
	}
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Listen subscribes to bus and records every event until bus is closed or
// unsubscribed; intended to run in its own goroutine for the lifetime of
// the server.
func (l *Log) Listen(bus *eventbus.Bus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case ev := <-ch.C:
			shellEv, ok := ev.(eventbus.ShellEvent)
			if !ok {
				continue
			}
			l.Record(shellEv, time.Now())
		case <-ch.Done():
			// Closing a sink closes Done, never C.
			return
		}
	}
}
