// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package editlog implements the append-only log of namespace edits
// accumulated between checkpoints. The grovenode appends an entry for
// every mutation; at startup, the image persistence layer replays the
// pending entries on top of the loaded image and then folds them into
// a fresh image, deleting the log.
package editlog

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"grovefs.io/errors"
	"grovefs.io/fsdir"
	"grovefs.io/grove"
)

// Op is the kind of operation recorded in a log entry.
type Op int

// Operations on the namespace that are logged.
const (
	OpAdd Op = iota
	OpMkdir
	OpDelete
	OpSetReplication
)

// Entry is the unit of logging.
type Entry struct {
	Op          Op
	Path        grove.PathName
	Replication uint16
	Blocks      []grove.Block
}

// Log is the edit log of a name directory. The backing file exists
// only while edits are pending; a missing file is an empty log.
type Log struct {
	name string
}

const logFile = "edits"

// New returns the Log for the given name directory.
func New(nameDir string) *Log {
	return &Log{name: filepath.Join(nameDir, logFile)}
}

// Name returns the full name of the backing file.
func (l *Log) Name() string {
	return l.name
}

// Exists reports whether any edits are pending.
func (l *Log) Exists() bool {
	_, err := os.Stat(l.name)
	return err == nil
}

// Remove deletes the backing file. Removing an empty log is not an error.
func (l *Log) Remove() error {
	const op = "editlog.Remove"
	err := os.Remove(l.name)
	if err != nil && !os.IsNotExist(err) {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Append appends an entry to the end of the log and syncs the file.
func (l *Log) Append(e *Entry) error {
	const op = "editlog.Append"
	buf := e.marshal()

	f, err := os.OpenFile(l.name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	_, err = f.Write(buf)
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Replay applies every pending entry to the tree, in order, and
// returns the number applied. A missing backing file is an empty log.
// Replication factors are clamped to the configured bound as they are
// applied.
func (l *Log) Replay(t *fsdir.Tree, cfg grove.Config) (int, error) {
	const op = "editlog.Replay"
	f, err := os.Open(l.name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.E(op, errors.IO, err)
	}
	defer f.Close()

	ck := newChecker(f)
	applied := 0
	for {
		var e Entry
		err := e.unmarshal(ck)
		if err == io.EOF {
			break
		}
		if err != nil {
			return applied, errors.E(op, err)
		}
		if err := apply(t, cfg, &e); err != nil {
			return applied, errors.E(op, err)
		}
		applied++
		ck.resetChecksum()
	}
	return applied, nil
}

func apply(t *fsdir.Tree, cfg grove.Config, e *Entry) error {
	switch e.Op {
	case OpAdd:
		_, err := t.InsertUnconditional(e.Path, e.Blocks, AdjustReplication(e.Replication, cfg))
		return err
	case OpMkdir:
		_, err := t.InsertUnconditional(e.Path, nil, 0)
		return err
	case OpDelete:
		t.Remove(e.Path)
		return nil
	case OpSetReplication:
		if n := t.Lookup(e.Path); n != nil {
			n.SetReplication(AdjustReplication(e.Replication, cfg))
		}
		return nil
	}
	return errors.E(errors.Corrupt, errors.Errorf("unknown operation %d", e.Op))
}

// AdjustReplication clamps a replication factor to the cluster's
// accepted range [1, MaxReplication].
func AdjustReplication(r uint16, cfg grove.Config) uint16 {
	if max := cfg.MaxReplication(); r > max {
		return max
	}
	if r < 1 {
		return 1
	}
	return r
}

// marshal packs the Entry into a new byte slice for storage.
// The layout is a sequence of varints (the block list length-prefixed)
// followed by a four-byte checksum of the record.
func (e *Entry) marshal() []byte {
	var b []byte
	var tmp [16]byte // For use by PutVarint.
	n := binary.PutVarint(tmp[:], int64(e.Op))
	b = append(b, tmp[:n]...)
	b = appendBytes(b, []byte(e.Path))
	n = binary.PutVarint(tmp[:], int64(e.Replication))
	b = append(b, tmp[:n]...)
	n = binary.PutVarint(tmp[:], int64(len(e.Blocks)))
	b = append(b, tmp[:n]...)
	for _, blk := range e.Blocks {
		n = binary.PutVarint(tmp[:], int64(blk.ID))
		b = append(b, tmp[:n]...)
		n = binary.PutVarint(tmp[:], blk.Bytes)
		b = append(b, tmp[:n]...)
	}
	chksum := checksum(b)
	b = append(b, chksum[:]...)
	return b
}

// unmarshal unpacks a marshaled Entry from the checker and stores it
// in the receiver. It returns io.EOF, untouched, when the reader is
// exhausted at a record boundary.
func (e *Entry) unmarshal(ck *checker) error {
	const op = "editlog.unmarshal"
	operation, err := binary.ReadVarint(ck)
	if err == io.EOF && ck.count == 0 {
		return io.EOF
	}
	if err != nil {
		return errors.E(op, errors.Corrupt, errors.Errorf("reading op: %s", err))
	}
	e.Op = Op(operation)
	pathLen, err := binary.ReadVarint(ck)
	if err != nil {
		return errors.E(op, errors.Corrupt, errors.Errorf("reading path length: %s", err))
	}
	if pathLen < 0 {
		return errors.E(op, errors.Corrupt, errors.Errorf("invalid path length: %d", pathLen))
	}
	data := make([]byte, pathLen)
	if _, err := io.ReadFull(ck, data); err != nil {
		return errors.E(op, errors.Corrupt, errors.Errorf("reading path: %s", err))
	}
	e.Path = grove.PathName(data)
	replication, err := binary.ReadVarint(ck)
	if err != nil {
		return errors.E(op, errors.Corrupt, errors.Errorf("reading replication: %s", err))
	}
	e.Replication = uint16(replication)
	nBlocks, err := binary.ReadVarint(ck)
	if err != nil {
		return errors.E(op, errors.Corrupt, errors.Errorf("reading block count: %s", err))
	}
	if nBlocks < 0 {
		return errors.E(op, errors.Corrupt, errors.Errorf("invalid block count: %d", nBlocks))
	}
	e.Blocks = nil
	for i := int64(0); i < nBlocks; i++ {
		id, err := binary.ReadVarint(ck)
		if err != nil {
			return errors.E(op, errors.Corrupt, errors.Errorf("reading block id: %s", err))
		}
		bytes, err := binary.ReadVarint(ck)
		if err != nil {
			return errors.E(op, errors.Corrupt, errors.Errorf("reading block length: %s", err))
		}
		e.Blocks = append(e.Blocks, grove.Block{ID: grove.BlockID(id), Bytes: bytes})
	}
	chk, err := ck.readChecksum()
	if err != nil {
		return errors.E(op, errors.Corrupt, errors.Errorf("reading checksum: %s", err))
	}
	if chk != ck.chksum {
		return errors.E(op, errors.Corrupt, errors.Errorf("invalid checksum for entry %q", e.Path))
	}
	return nil
}

func appendBytes(b, data []byte) []byte {
	var tmp [16]byte // For use by PutVarint.
	n := binary.PutVarint(tmp[:], int64(len(data)))
	b = append(b, tmp[:n]...)
	b = append(b, data...)
	return b
}

var checksumSalt = [4]byte{0xde, 0xad, 0xbe, 0xef}

func checksum(buf []byte) [4]byte {
	var c [4]byte
	copy(c[:], checksumSalt[:])
	for i, b := range buf {
		c[i%4] ^= b
	}
	return c
}
