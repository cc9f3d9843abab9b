// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsimage persists the namespace tree of the grove metadata
// server to durable storage and recovers it on restart, including
// after a crash in the middle of a checkpoint.
//
// The name directory holds the image subdirectory and the edit log:
//
//	<namedir>/image/fsimage      the current namespace image
//	<namedir>/image/fsimage.new  an image being written
//	<namedir>/image/fsimage.old  the previous image, during publish
//	<namedir>/edits              mutations since the current image
//	<namedir>/in_use.lock        held while a grovenode owns the directory
//
// A checkpoint publishes a new image with a rename sequence whose
// every intermediate state is recognized and repaired at the next
// startup. Atomic, durable rename is the only primitive the recovery
// protocol depends on.
package fsimage

import (
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/fslock"

	"grovefs.io/editlog"
	"grovefs.io/errors"
	"grovefs.io/fsdir"
	"grovefs.io/grove"
	"grovefs.io/log"
)

const (
	imageDirName = "image"
	imageFile    = "fsimage"
	newImageFile = "fsimage.new"
	oldImageFile = "fsimage.old"
	lockFile     = "in_use.lock"
)

// FSImage handles checkpointing of the namespace. At most one load,
// save or format operation may be in flight against a name directory;
// the in_use.lock file enforces that across processes, and the caller
// is responsible for serialization within one.
type FSImage struct {
	imageDir string
	editLog  *editlog.Log
	lock     *fslock.Lock
	rng      *rand.Rand
}

// New opens the name directory for checkpointing. The directory must
// have been formatted, and must not be in use by another process.
func New(nameDir string, cfg grove.Config) (*FSImage, error) {
	const op = "fsimage.New"
	imageDir := filepath.Join(nameDir, imageDirName)
	fi, err := os.Stat(imageDir)
	switch {
	case os.IsNotExist(err):
		return nil, errors.E(op, errors.NotFormatted, errors.Errorf("grovenode not formatted: %s", nameDir))
	case err != nil:
		return nil, errors.E(op, errors.IO, err)
	case !fi.IsDir():
		return nil, errors.E(op, errors.NotFormatted, errors.Errorf("grovenode not formatted: %s", nameDir))
	}
	lock := fslock.New(filepath.Join(nameDir, lockFile))
	if err := lock.TryLock(); err != nil {
		return nil, errors.E(op, errors.IO, errors.Errorf("name directory %s in use: %v", nameDir, err))
	}
	return &FSImage{
		imageDir: imageDir,
		editLog:  editlog.New(nameDir),
		lock:     lock,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// EditLog returns the edit log of the name directory.
func (f *FSImage) EditLog() *editlog.Log {
	return f.editLog
}

// Close releases the name directory.
func (f *FSImage) Close() error {
	const op = "fsimage.Close"
	if f.lock == nil {
		return nil
	}
	err := f.lock.Unlock()
	f.lock = nil
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// SetRandom replaces the source of randomness used to generate the
// namespace identity. It is intended for tests.
func (f *FSImage) SetRandom(rng *rand.Rand) {
	f.rng = rng
}

func (f *FSImage) path(name string) string {
	return filepath.Join(f.imageDir, name)
}

// Load brings up the namespace: it repairs any interrupted checkpoint,
// reads the current image into the tree, assigns a namespace identity
// if none was recorded, replays pending edits, and, when the image was
// missing, outdated or behind the edit log, folds everything into a
// fresh image on disk.
func (f *FSImage) Load(t *fsdir.Tree, cfg grove.Config) error {
	const op = "fsimage.Load"

	if err := f.recover(); err != nil {
		return errors.E(op, err)
	}

	// An absent image means this is the first load after formatting;
	// saving then publishes the initial empty image.
	needSave := true
	curFile := f.path(imageFile)
	in, err := os.Open(curFile)
	switch {
	case err == nil:
		needSave, err = loadImage(in, t, cfg)
		in.Close()
		if err != nil {
			return errors.E(op, err)
		}
	case os.IsNotExist(err):
		// No image yet; start from the empty tree.
	default:
		return errors.E(op, errors.IO, err)
	}

	// The identity is assigned exactly once, when no image has
	// recorded one: at first load after formatting, or when loading
	// an image from before identities existed.
	if t.NamespaceID() == 0 {
		t.SetNamespaceID(f.newNamespaceID())
		log.Info.Printf("fsimage: assigned namespace identity %d", t.NamespaceID())
	}

	applied, err := f.editLog.Replay(t, cfg)
	if err != nil {
		return errors.E(op, err)
	}
	if applied > 0 {
		log.Debug.Printf("%s: replayed %d edits", op, applied)
		needSave = true
	}

	if needSave {
		return f.Save(t)
	}
	return nil
}

// Save writes the tree to a new image file and atomically publishes it
// as the current image, consuming the edit log. A failure in the
// middle of publishing leaves the image directory in a state the next
// startup's recovery repairs; no state published earlier is lost.
func (f *FSImage) Save(t *fsdir.Tree) error {
	const op = "fsimage.Save"
	curFile := f.path(imageFile)
	newFile := f.path(newImageFile)
	oldFile := f.path(oldImageFile)

	if err := writeImage(newFile, t); err != nil {
		return errors.E(op, err)
	}

	// The publish sequence. Each rename is atomic; a crash between
	// any two steps is repaired by recover at the next startup.
	//
	// 1. Move the current image aside (unless this is the first save).
	switch _, err := os.Stat(curFile); {
	case err == nil:
		if err := os.Rename(curFile, oldFile); err != nil {
			return errors.E(op, errors.IO, err)
		}
	case os.IsNotExist(err):
		// First save; nothing to move aside.
	default:
		return errors.E(op, errors.IO, err)
	}
	// 2. Move the new image into place.
	if err := os.Rename(newFile, curFile); err != nil {
		return errors.E(op, errors.IO, err)
	}
	// 3. Remove the edit log; it has been folded into the new image.
	if err := f.editLog.Remove(); err != nil {
		return errors.E(op, err)
	}
	// 4. Remove the old image.
	if err := os.Remove(oldFile); err != nil && !os.IsNotExist(err) {
		return errors.E(op, errors.IO, err)
	}
	log.Debug.Printf("%s: published image with %d nodes", op, t.NodeCount()-1)
	return nil
}

// recover repairs the image directory after a checkpoint interrupted
// by a crash. It must run to completion before any byte of the current
// image is read. The joint existence of the current, new and old image
// files encodes which publish step completed last; any combination not
// listed is already consistent.
func (f *FSImage) recover() error {
	const op = "fsimage.recover"
	curFile := f.path(imageFile)
	newFile := f.path(newImageFile)
	oldFile := f.path(oldImageFile)

	curExists, err := exists(curFile)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	newExists, err := exists(newFile)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	oldExists, err := exists(oldFile)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}

	switch {
	case oldExists && curExists:
		// The new image was renamed into place but cleanup did not
		// finish. The old image and the pending edits are fully
		// subsumed by the current image.
		log.Info.Printf("%s: removing leftovers of a completed checkpoint", op)
		if err := os.Remove(oldFile); err != nil {
			return errors.E(op, errors.IO, err)
		}
		if err := f.editLog.Remove(); err != nil {
			return errors.E(op, err)
		}
	case oldExists && newExists:
		// Crash between the two renames. The new image is complete;
		// finish its publish.
		log.Info.Printf("%s: completing an interrupted checkpoint", op)
		if err := os.Rename(newFile, curFile); err != nil {
			return errors.E(op, errors.IO, err)
		}
		if err := os.Remove(oldFile); err != nil {
			return errors.E(op, errors.IO, err)
		}
	case curExists && newExists:
		// Crash before the publish began. The new image is an
		// abandoned partial write; replaying the edit log on top of
		// the current image rebuilds whatever it held.
		log.Info.Printf("%s: discarding a partially written image", op)
		if err := os.Remove(newFile); err != nil {
			return errors.E(op, errors.IO, err)
		}
	}
	return nil
}

func exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// newNamespaceID generates a new namespace identity.
//
// The identity is a persistent attribute of the namespace. It is
// generated when the namespace first gets an image and remains the
// same for its whole life; the cluster uses it to reject datanodes
// and peers that belong to a different namespace. Zero is reserved to
// mean "unset", so a zero draw is retried.
func (f *FSImage) newNamespaceID() uint32 {
	for {
		if id := f.rng.Uint32(); id != 0 {
			return id
		}
	}
}

// Format creates a new name directory. Caution: this destroys any
// image and pending edits the directory holds. On failure the
// directory must be treated as unformatted.
func Format(nameDir string) error {
	const op = "fsimage.Format"
	if err := os.MkdirAll(nameDir, 0700); err != nil {
		return errors.E(op, errors.IO, err)
	}
	lock := fslock.New(filepath.Join(nameDir, lockFile))
	if err := lock.TryLock(); err != nil {
		return errors.E(op, errors.IO, errors.Errorf("name directory %s in use: %v", nameDir, err))
	}
	defer lock.Unlock()

	imageDir := filepath.Join(nameDir, imageDirName)
	if err := os.RemoveAll(imageDir); err != nil {
		return errors.E(op, errors.IO, err)
	}
	if err := editlog.New(nameDir).Remove(); err != nil {
		return errors.E(op, err)
	}
	if err := os.Mkdir(imageDir, 0700); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}
