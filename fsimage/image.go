// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsimage

// This file implements the image wire format. All integers are
// big-endian and fixed-width; strings are a uint16 byte length
// followed by raw UTF-8.
//
// A modern image is:
//
//	int32   version (currentVersion)
//	uint32  namespace identity (version <= -2 only)
//	int32   node count, excluding the root
//	then per node, in depth-first pre-order:
//	string  full path
//	uint16  replication factor
//	int32   block count (0 for directories)
//	then per block: int64 id, int64 length in bytes
//
// A non-negative version is the legacy encoding: the version field
// itself is the node count, there is no identity, and nodes carry no
// replication factor. Legacy images load fine and are rewritten in the
// current format on the next save.

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"grovefs.io/editlog"
	"grovefs.io/errors"
	"grovefs.io/fsdir"
	"grovefs.io/grove"
)

// currentVersion identifies the image layout written by this code.
// Versions count down: a version below currentVersion was written by
// newer software and cannot be read.
const currentVersion int32 = -3

// loadImage reads an image stream into t and reports whether the tree
// should be saved again to bring the on-disk format up to date.
func loadImage(in io.Reader, t *fsdir.Tree, cfg grove.Config) (needSave bool, err error) {
	const op = "fsimage.loadImage"
	rd := bufio.NewReader(in)

	version, err := readInt32(rd)
	if err != nil {
		return false, errors.E(op, errors.Corrupt, err)
	}
	if version < currentVersion {
		return false, errors.E(op, errors.FutureVersion,
			errors.Errorf("image version %d not supported; newest version is %d", version, currentVersion))
	}

	legacy := version >= 0
	var numNodes int32
	if legacy {
		// The version field of a legacy image is the node count.
		numNodes = version
	} else {
		if version <= -2 {
			id, err := readUint32(rd)
			if err != nil {
				return false, errors.E(op, errors.Corrupt, err)
			}
			t.SetNamespaceID(id)
		}
		numNodes, err = readInt32(rd)
		if err != nil {
			return false, errors.E(op, errors.Corrupt, err)
		}
		if numNodes < 0 {
			return false, errors.E(op, errors.Corrupt, errors.Errorf("negative node count %d", numNodes))
		}
	}

	// Legacy nodes carry no replication factor; they take the
	// configured default, clamped like any client-supplied value.
	legacyReplication := editlog.AdjustReplication(cfg.Replication(), cfg)

	for i := int32(0); i < numNodes; i++ {
		name, err := readString(rd)
		if err != nil {
			return false, errors.E(op, errors.Corrupt, err)
		}
		replication := legacyReplication
		if !legacy {
			replication, err = readUint16(rd)
			if err != nil {
				return false, errors.E(op, errors.Corrupt, err)
			}
		}
		numBlocks, err := readInt32(rd)
		if err != nil {
			return false, errors.E(op, errors.Corrupt, err)
		}
		if numBlocks < 0 {
			return false, errors.E(op, errors.Corrupt,
				errors.Errorf("negative block count %d for %q", numBlocks, name))
		}
		var blocks []grove.Block
		if numBlocks > 0 {
			blocks = make([]grove.Block, numBlocks)
			for j := range blocks {
				id, err := readInt64(rd)
				if err != nil {
					return false, errors.E(op, errors.Corrupt, err)
				}
				bytes, err := readInt64(rd)
				if err != nil {
					return false, errors.E(op, errors.Corrupt, err)
				}
				blocks[j] = grove.Block{ID: grove.BlockID(id), Bytes: bytes}
			}
		}
		if _, err := t.InsertUnconditional(grove.PathName(name), blocks, replication); err != nil {
			return false, errors.E(op, err)
		}
	}
	return version != currentVersion, nil
}

// writeImage serializes the tree to the named file in the current
// format, leaving it flushed and synced.
func writeImage(name string, t *fsdir.Tree) error {
	const op = "fsimage.writeImage"
	out, err := os.Create(name)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	w := bufio.NewWriter(out)
	err = writeImageTo(w, t)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return errors.E(op, errors.IO, err)
	}
	return nil
}

func writeImageTo(w *bufio.Writer, t *fsdir.Tree) error {
	if err := writeInt32(w, currentVersion); err != nil {
		return err
	}
	if err := writeUint32(w, t.NamespaceID()); err != nil {
		return err
	}
	// The root is implicit; it is never written.
	if err := writeInt32(w, int32(t.NodeCount()-1)); err != nil {
		return err
	}
	return saveNode(w, t.Root(), "")
}

// saveNode writes the children of n depth-first, accumulating the
// path prefix on the way down. Children are walked in name order so
// equal trees serialize to equal bytes.
func saveNode(w *bufio.Writer, n *fsdir.Node, prefix string) error {
	for _, kid := range n.Children() {
		name := prefix + "/" + kid.Name()
		if err := writeString(w, name); err != nil {
			return err
		}
		if err := writeUint16(w, kid.Replication()); err != nil {
			return err
		}
		blocks := kid.Blocks()
		if err := writeInt32(w, int32(len(blocks))); err != nil {
			return err
		}
		for _, b := range blocks {
			if err := writeInt64(w, int64(b.ID)); err != nil {
				return err
			}
			if err := writeInt64(w, b.Bytes); err != nil {
				return err
			}
		}
		if kid.IsDir() {
			if err := saveNode(w, kid, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ImageNode is one entry of an image file as reported by Inspect.
type ImageNode struct {
	Path        grove.PathName
	Replication uint16
	Blocks      []grove.Block
}

// ImageInfo describes an image file's header as reported by Inspect.
type ImageInfo struct {
	Version     int32
	NamespaceID uint32 // zero for pre-identity images
	Legacy      bool
}

// Inspect reads the image file name without touching the rest of the
// name directory and calls visit for each node, in the order stored.
// It serves offline tooling; a running grovenode uses Load instead.
func Inspect(name string, cfg grove.Config, visit func(ImageInfo, ImageNode) error) (ImageInfo, error) {
	const op = "fsimage.Inspect"
	var info ImageInfo
	in, err := os.Open(name)
	if err != nil {
		return info, errors.E(op, errors.IO, err)
	}
	defer in.Close()

	t := fsdir.New()
	rd := bufio.NewReader(in)
	version, err := readInt32(rd)
	if err != nil {
		return info, errors.E(op, errors.Corrupt, err)
	}
	// Rewind and reuse the loader so inspection and recovery agree
	// on every byte.
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return info, errors.E(op, errors.IO, err)
	}
	if _, err := loadImage(in, t, cfg); err != nil {
		return info, errors.E(op, err)
	}
	info = ImageInfo{
		Version:     version,
		NamespaceID: t.NamespaceID(),
		Legacy:      version >= 0,
	}
	err = walkInspect(t.Root(), info, visit)
	if err != nil {
		return info, errors.E(op, err)
	}
	return info, nil
}

func walkInspect(n *fsdir.Node, info ImageInfo, visit func(ImageInfo, ImageNode) error) error {
	for _, kid := range n.Children() {
		err := visit(info, ImageNode{
			Path:        kid.PathName(),
			Replication: kid.Replication(),
			Blocks:      kid.Blocks(),
		})
		if err != nil {
			return err
		}
		if kid.IsDir() {
			if err := walkInspect(kid, info, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// Byte-order helpers. The format is big-endian throughout.

func readInt32(rd io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(rd, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func readUint32(rd io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(rd, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint16(rd io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(rd, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readInt64(rd io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(rd, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func readString(rd io.Reader) (string, error) {
	n, err := readUint16(rd)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if len(s) > 1<<16-1 {
		return errors.E(errors.Invalid, errors.Errorf("path name too long: %d bytes", len(s)))
	}
	if err := writeUint16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
