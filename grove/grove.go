// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package grove contains the types shared by the packages of the grove
// metadata server ("grovenode"), which owns the namespace of a grove
// file system cluster.
package grove

// PathName is a rooted, slash-separated name in the namespace,
// such as "/users/ann/notes.txt". The root itself is "/".
type PathName string

// BlockID uniquely identifies a block across the cluster.
type BlockID int64

// Block describes one block of a file's contents: its cluster-wide
// identifier and its length in bytes.
type Block struct {
	ID    BlockID
	Bytes int64
}

// Config holds the configuration of a grovenode. It is constructed by
// the config package and read throughout the server.
type Config interface {
	// NameDir returns the directory holding the namespace image and
	// the edit log.
	NameDir() string

	// Replication returns the default replication factor assigned to
	// files that do not specify one.
	Replication() uint16

	// MaxReplication returns the largest replication factor the
	// cluster accepts.
	MaxReplication() uint16
}
