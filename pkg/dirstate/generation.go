// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"

	"github.com/dirstate2/dirstate2/pkg/retry"
)

var leaseBucket = []byte("leases")

// Registry is the bookkeeping spec.md §3/§5 assumes but leaves
// unspecified: "the old file is deleted lazily — never while another
// reader still references it". It tracks, per data-file identifier, how
// many open leases currently reference it and when it was last seen
// referenced, in a small bolt database alongside the docket.
// Grounded on internal/raftkv/db's bolt-backed key/value wrapper.
type Registry struct {
	db *bolt.DB

	retrier *retry.Retrier
	metrics *Metrics
}

// OpenRegistry opens (creating if absent) the lease registry at
// <dir>/dirstate.leases.
func OpenRegistry(dir string, metrics *Metrics) (*Registry, error) {
	path := filepath.Join(dir, "dirstate.leases")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, wrapIO(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(leaseBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrapIO(err)
	}
	return &Registry{
		db: db,
		retrier: &retry.Retrier{
			MinSleep:      50 * time.Millisecond,
			MaxSleep:      2 * time.Second,
			MaxNumRetries: 5,
		},
		metrics: metrics,
	}, nil
}

// Close releases the underlying bolt database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Acquire records one more open reference on the data file named id,
// for example for the lifetime of a mapped Tree. Callers must call
// Release exactly once per Acquire.
func (r *Registry) Acquire(id []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(leaseBucket)
		count, _ := decodeLease(b.Get(id))
		return b.Put(id, encodeLease(count+1, time.Now()))
	})
}

// Release drops one reference recorded by Acquire. It does not delete
// the data file itself; Sweep does that once a generation has no
// leases left and is no longer the docket's current identifier.
func (r *Registry) Release(id []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(leaseBucket)
		count, _ := decodeLease(b.Get(id))
		if count == 0 {
			return nil
		}
		return b.Put(id, encodeLease(count-1, time.Now()))
	})
}

// leaseCount returns the current open-lease count for id, 0 if never
// seen.
func (r *Registry) leaseCount(id []byte) (uint32, error) {
	var count uint32
	err := r.db.View(func(tx *bolt.Tx) error {
		count, _ = decodeLease(tx.Bucket(leaseBucket).Get(id))
		return nil
	})
	return count, err
}

// Sweep deletes every dirstate.<id> file in dir whose identifier is
// not current (the docket's live generation) and has a zero lease
// count, per spec.md §3's "deleted lazily" lifecycle rule. Deletion is
// retried with backoff through r.retrier, since some platforms (e.g.
// Windows-style delete-on-close) can momentarily refuse to remove a
// file a just-departed reader is still closing.
func (r *Registry) Sweep(ctx context.Context, dir string, current []byte) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, wrapIO(err)
	}

	swept := 0
	for _, e := range entries {
		id, ok := parseDataFileName(e.Name())
		if !ok || bytes.Equal(id, current) {
			continue
		}
		count, err := r.leaseCount(id)
		if err != nil {
			return swept, wrapIO(err)
		}
		if count != 0 {
			continue
		}

		path := filepath.Join(dir, e.Name())
		removeErr := r.retrier.Do(ctx, func(attempt int) error {
			if err := os.Remove(path); err != nil {
				log.Warningf("dirstate2: sweep attempt %d failed to remove %s: %v", attempt, path, err)
				return err
			}
			return nil
		})
		switch {
		case removeErr == nil:
			swept++
			log.Infof("dirstate2: swept superseded generation %s", path)
		case ctx.Err() != nil:
			return swept, wrapIO(removeErr)
		default:
			log.Warningf("dirstate2: giving up removing %s after retries: %v", path, removeErr)
		}
	}

	r.metrics.observeSweep(swept)
	return swept, nil
}

// parseDataFileName extracts the hex identifier from a "dirstate.<id>"
// basename, rejecting the docket itself ("dirstate") and the lease
// database ("dirstate.leases").
func parseDataFileName(name string) ([]byte, bool) {
	const prefix = "dirstate."
	if !strings.HasPrefix(name, prefix) {
		return nil, false
	}
	hexID := strings.TrimPrefix(name, prefix)
	if hexID == "leases" || hexID == "" {
		return nil, false
	}
	id := make([]byte, hex.DecodedLen(len(hexID)))
	if _, err := hex.Decode(id, []byte(hexID)); err != nil {
		return nil, false
	}
	return id, true
}

func encodeLease(count uint32, lastSeen time.Time) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], count)
	binary.BigEndian.PutUint64(b[4:12], uint64(lastSeen.Unix()))
	return b
}

func decodeLease(raw []byte) (count uint32, lastSeen time.Time) {
	if len(raw) < 12 {
		return 0, time.Time{}
	}
	count = binary.BigEndian.Uint32(raw[0:4])
	lastSeen = time.Unix(int64(binary.BigEndian.Uint64(raw[4:12])), 0)
	return
}

