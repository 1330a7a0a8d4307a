// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"encoding/json"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// keyFormat is RFC3339 with a fixed width fraction, so keys sort by time.
const keyFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists counter snapshots keyed by the time they were taken.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (or creates) a Bolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put saves the snapshot under its timestamp.
func (s *Store) Put(snap Snapshot) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	key := []byte(snap.At.UTC().Format(keyFormat))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(key, val)
	})
}

// List returns every stored snapshot in chronological order.
func (s *Store) List() ([]Snapshot, error) {
	var snaps []Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	return snaps, err
}
