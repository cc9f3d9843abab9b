// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsimage

import (
	"bytes"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"grovefs.io/editlog"
	"grovefs.io/errors"
	"grovefs.io/fsdir"
	"grovefs.io/grove"
)

type testConfig struct {
	nameDir        string
	replication    uint16
	maxReplication uint16
}

func (c testConfig) NameDir() string        { return c.nameDir }
func (c testConfig) Replication() uint16    { return c.replication }
func (c testConfig) MaxReplication() uint16 { return c.maxReplication }

func setup(t *testing.T) (cfg testConfig, cleanup func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "fsimage")
	if err != nil {
		t.Fatal(err)
	}
	if err := Format(dir); err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return testConfig{
		nameDir:        dir,
		replication:    3,
		maxReplication: 512,
	}, func() { os.RemoveAll(dir) }
}

func open(t *testing.T, cfg testConfig) *FSImage {
	t.Helper()
	f, err := New(cfg.nameDir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// sampleTree builds the tree used by several tests:
// a file /a and a directory /b/c.
func sampleTree() *fsdir.Tree {
	tr := fsdir.New()
	tr.InsertUnconditional("/a", []grove.Block{{ID: 1, Bytes: 100}}, 2)
	tr.InsertUnconditional("/b/c", nil, 1)
	return tr
}

func treesEqual(a, b *fsdir.Tree) bool {
	return a.NamespaceID() == b.NamespaceID() && nodesEqual(a.Root(), b.Root())
}

func nodesEqual(a, b *fsdir.Node) bool {
	if a.Name() != b.Name() || a.IsDir() != b.IsDir() ||
		a.Replication() != b.Replication() || !reflect.DeepEqual(a.Blocks(), b.Blocks()) {
		return false
	}
	ak, bk := a.Children(), b.Children()
	if len(ak) != len(bk) {
		return false
	}
	for i := range ak {
		if !nodesEqual(ak[i], bk[i]) {
			return false
		}
	}
	return true
}

func imageBytes(t *testing.T, cfg testConfig) []byte {
	t.Helper()
	data, err := ioutil.ReadFile(filepath.Join(cfg.nameDir, imageDirName, imageFile))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestNewUnformatted(t *testing.T) {
	dir, err := ioutil.TempDir("", "fsimage")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	_, err = New(dir, testConfig{nameDir: dir, replication: 3, maxReplication: 512})
	if !errors.Is(errors.NotFormatted, err) {
		t.Fatalf("New on unformatted dir: got %v, want NotFormatted", err)
	}
}

func TestNewStatFailure(t *testing.T) {
	dir, err := ioutil.TempDir("", "fsimage")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	// A regular file in the middle of the name directory path makes
	// the stat fail with ENOTDIR, which is not "unformatted".
	if err := ioutil.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	nameDir := filepath.Join(dir, "file", "name")
	_, err = New(nameDir, testConfig{nameDir: nameDir, replication: 3, maxReplication: 512})
	if !errors.Is(errors.IO, err) {
		t.Fatalf("New with failing stat: got %v, want IO", err)
	}
}

// TestLoadWorkedImage loads a hand-crafted two-entry image and checks
// that deserialization creates the implicit intermediate directory.
func TestLoadWorkedImage(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	var buf bytes.Buffer
	writeInt32(&buf, currentVersion)
	writeUint32(&buf, 12345)
	writeInt32(&buf, 2)
	writeString(&buf, "/a")
	writeUint16(&buf, 2)
	writeInt32(&buf, 1)
	writeInt64(&buf, 1)
	writeInt64(&buf, 100)
	writeString(&buf, "/b/c")
	writeUint16(&buf, 1)
	writeInt32(&buf, 0)
	if err := ioutil.WriteFile(f.path(imageFile), buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	tr := fsdir.New()
	if err := f.Load(tr, cfg); err != nil {
		t.Fatal(err)
	}
	if tr.NamespaceID() != 12345 {
		t.Errorf("namespace identity = %d, want 12345", tr.NamespaceID())
	}
	if tr.NodeCount() != 4 { // root, /a, /b, /b/c
		t.Errorf("node count = %d, want 4", tr.NodeCount())
	}
	a := tr.Lookup("/a")
	if a == nil || a.IsDir() {
		t.Fatal("/a not loaded as a file")
	}
	if a.Replication() != 2 || !reflect.DeepEqual(a.Blocks(), []grove.Block{{ID: 1, Bytes: 100}}) {
		t.Errorf("/a loaded wrong: replication %d, blocks %v", a.Replication(), a.Blocks())
	}
	if b := tr.Lookup("/b"); b == nil || !b.IsDir() {
		t.Error("intermediate /b not created as a directory")
	}
	if c := tr.Lookup("/b/c"); c == nil || !c.IsDir() || c.Replication() != 1 {
		t.Errorf("blockless /b/c loaded wrong: %v", c)
	}
}

func TestLockExcludes(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()
	if _, err := New(cfg.nameDir, cfg); !errors.Is(errors.IO, err) {
		t.Fatalf("second New while locked: got %v, want IO", err)
	}
	f.Close()
	g, err := New(cfg.nameDir, cfg)
	if err != nil {
		t.Fatalf("New after Close: %v", err)
	}
	g.Close()
}

func TestFirstLoadPublishesEmptyImage(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	tr := fsdir.New()
	if err := f.Load(tr, cfg); err != nil {
		t.Fatal(err)
	}
	if tr.NodeCount() != 1 {
		t.Errorf("node count = %d, want 1", tr.NodeCount())
	}
	if tr.NamespaceID() == 0 {
		t.Error("namespace identity not assigned")
	}
	if _, err := os.Stat(filepath.Join(cfg.nameDir, imageDirName, imageFile)); err != nil {
		t.Errorf("no image published after first load: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	tr := sampleTree()
	tr.SetNamespaceID(7)
	if err := f.Save(tr); err != nil {
		t.Fatal(err)
	}
	saved := imageBytes(t, cfg)

	got := fsdir.New()
	if err := f.Load(got, cfg); err != nil {
		t.Fatal(err)
	}
	if !treesEqual(tr, got) {
		t.Errorf("loaded tree differs from saved tree:\nsaved %v\nloaded %v", tr.Root(), got.Root())
	}
	// A current image with no pending edits must not be rewritten.
	if !bytes.Equal(saved, imageBytes(t, cfg)) {
		t.Error("load of an up-to-date image rewrote it")
	}
	// Re-saving the loaded tree must reproduce the image byte for byte.
	if err := f.Save(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(saved, imageBytes(t, cfg)) {
		t.Error("save after load changed the image bytes")
	}
}

func TestSaveConsumesEditLog(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	tr := fsdir.New()
	if err := f.Load(tr, cfg); err != nil {
		t.Fatal(err)
	}
	err := f.EditLog().Append(&editlog.Entry{
		Op:          editlog.OpAdd,
		Path:        "/a",
		Replication: 2,
		Blocks:      []grove.Block{{ID: 1, Bytes: 100}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !f.EditLog().Exists() {
		t.Fatal("edit log missing after append")
	}
	f.Close()

	// The next load replays the edit and folds it into a new image.
	f = open(t, cfg)
	got := fsdir.New()
	if err := f.Load(got, cfg); err != nil {
		t.Fatal(err)
	}
	if n := got.Lookup("/a"); n == nil || n.IsDir() || n.Replication() != 2 {
		t.Errorf("replayed node wrong: %v", n)
	}
	if f.EditLog().Exists() {
		t.Error("edit log survived the save")
	}
	f.Close()

	// And the one after that finds nothing to do.
	before := imageBytes(t, cfg)
	f = open(t, cfg)
	defer f.Close()
	again := fsdir.New()
	if err := f.Load(again, cfg); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, imageBytes(t, cfg)) {
		t.Error("idle load rewrote the image")
	}
	if !treesEqual(got, again) {
		t.Error("idle load changed the tree")
	}
}

// publish saves tr as the current image and returns its bytes.
func publish(t *testing.T, f *FSImage, tr *fsdir.Tree) []byte {
	t.Helper()
	if err := f.Save(tr); err != nil {
		t.Fatal(err)
	}
	data, err := ioutil.ReadFile(f.path(imageFile))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRecoverCompletedCheckpoint(t *testing.T) {
	// Current and old image both present: the checkpoint finished
	// publishing but was not cleaned up. The old image and any edits
	// are stale.
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	tr := sampleTree()
	tr.SetNamespaceID(7)
	cur := publish(t, f, tr)
	if err := ioutil.WriteFile(f.path(oldImageFile), []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}
	stale := &editlog.Entry{Op: editlog.OpDelete, Path: "/a"}
	if err := f.EditLog().Append(stale); err != nil {
		t.Fatal(err)
	}

	got := fsdir.New()
	if err := f.Load(got, cfg); err != nil {
		t.Fatal(err)
	}
	if !treesEqual(tr, got) {
		t.Error("recovery did not keep the published image")
	}
	if _, err := os.Stat(f.path(oldImageFile)); !os.IsNotExist(err) {
		t.Error("old image not removed")
	}
	if f.EditLog().Exists() {
		t.Error("stale edit log not removed")
	}
	if !bytes.Equal(cur, imageBytes(t, cfg)) {
		t.Error("current image was rewritten")
	}
}

func TestRecoverInterruptedPublish(t *testing.T) {
	// Old and new image present, no current: crash between the two
	// renames. The new image is complete and must be published.
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	tr := sampleTree()
	tr.SetNamespaceID(7)
	publish(t, f, tr)
	if err := writeImage(f.path(newImageFile), tr); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(f.path(imageFile), f.path(oldImageFile)); err != nil {
		t.Fatal(err)
	}

	got := fsdir.New()
	if err := f.Load(got, cfg); err != nil {
		t.Fatal(err)
	}
	if !treesEqual(tr, got) {
		t.Error("recovery did not publish the new image")
	}
	if _, err := os.Stat(f.path(oldImageFile)); !os.IsNotExist(err) {
		t.Error("old image not removed")
	}
	if _, err := os.Stat(f.path(newImageFile)); !os.IsNotExist(err) {
		t.Error("new image left behind")
	}
}

func TestRecoverAbandonedWrite(t *testing.T) {
	// Current and new image present, no old: crash while writing the
	// new image, before publish began. The partial write is garbage;
	// the current image plus the edit log is the state.
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	tr := sampleTree()
	tr.SetNamespaceID(7)
	publish(t, f, tr)
	if err := ioutil.WriteFile(f.path(newImageFile), []byte("partial"), 0600); err != nil {
		t.Fatal(err)
	}
	edit := &editlog.Entry{Op: editlog.OpMkdir, Path: "/d", Replication: 1}
	if err := f.EditLog().Append(edit); err != nil {
		t.Fatal(err)
	}

	got := fsdir.New()
	if err := f.Load(got, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(f.path(newImageFile)); !os.IsNotExist(err) {
		t.Error("partial image not discarded")
	}
	if n := got.Lookup("/d"); n == nil || !n.IsDir() {
		t.Error("pending edit not replayed after recovery")
	}
	if got.Lookup("/a") == nil {
		t.Error("current image lost during recovery")
	}
}

func TestFutureVersionRejected(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	// Hand-craft an image claiming a version newer than ours.
	var buf bytes.Buffer
	writeInt32(&buf, currentVersion-1)
	writeUint32(&buf, 7)
	writeInt32(&buf, 0)
	if err := ioutil.WriteFile(f.path(imageFile), buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	tr := fsdir.New()
	err := f.Load(tr, cfg)
	if !errors.Is(errors.FutureVersion, err) {
		t.Fatalf("got %v, want FutureVersion", err)
	}
	if tr.NodeCount() != 1 || tr.NamespaceID() != 0 {
		t.Error("tree mutated by rejected image")
	}
}

func TestCorruptImage(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	good := publish(t, f, sampleTree())
	if err := ioutil.WriteFile(f.path(imageFile), good[:len(good)-3], 0600); err != nil {
		t.Fatal(err)
	}
	if err := f.Load(fsdir.New(), cfg); !errors.Is(errors.Corrupt, err) {
		t.Fatalf("truncated image: got %v, want Corrupt", err)
	}
}

func TestLegacyImage(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	cfg.replication = 600 // above maxReplication, must be clamped
	f := open(t, cfg)
	defer f.Close()

	// A legacy image: the version field is the node count, there is
	// no identity, and nodes carry no replication factor.
	var buf bytes.Buffer
	writeInt32(&buf, 2)
	writeString(&buf, "/a")
	writeInt32(&buf, 1)
	writeInt64(&buf, 1)
	writeInt64(&buf, 100)
	writeString(&buf, "/b")
	writeInt32(&buf, 0)
	if err := ioutil.WriteFile(f.path(imageFile), buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	tr := fsdir.New()
	if err := f.Load(tr, cfg); err != nil {
		t.Fatal(err)
	}
	a := tr.Lookup("/a")
	if a == nil || a.IsDir() {
		t.Fatal("legacy file node not loaded")
	}
	if a.Replication() != cfg.maxReplication {
		t.Errorf("legacy replication = %d, want clamped default %d", a.Replication(), cfg.maxReplication)
	}
	if b := tr.Lookup("/b"); b == nil || !b.IsDir() {
		t.Error("legacy blockless node not loaded as directory")
	}
	if tr.NamespaceID() == 0 {
		t.Error("no identity assigned to pre-identity image")
	}

	// The outdated image must have been rewritten in the current format.
	in, err := os.Open(f.path(imageFile))
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	version, err := readInt32(in)
	if err != nil {
		t.Fatal(err)
	}
	if version != currentVersion {
		t.Errorf("image version after load = %d, want %d", version, currentVersion)
	}
}

func TestNamespaceIdentity(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)

	f.SetRandom(rand.New(rand.NewSource(1)))
	for i := 0; i < 1000; i++ {
		if f.newNamespaceID() == 0 {
			t.Fatal("zero namespace identity generated")
		}
	}

	tr := fsdir.New()
	if err := f.Load(tr, cfg); err != nil {
		t.Fatal(err)
	}
	id := tr.NamespaceID()
	if id == 0 {
		t.Fatal("no identity assigned")
	}
	f.Close()

	// The identity is generated once; later loads read it back even
	// with a different random source.
	f = open(t, cfg)
	defer f.Close()
	f.SetRandom(rand.New(rand.NewSource(99)))
	again := fsdir.New()
	if err := f.Load(again, cfg); err != nil {
		t.Fatal(err)
	}
	if again.NamespaceID() != id {
		t.Errorf("identity changed across loads: %d then %d", id, again.NamespaceID())
	}
}

// TestImageLayout spells out the bytes of a small image.
func TestImageLayout(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	tr := sampleTree()
	tr.SetNamespaceID(12345)
	if tr.NodeCount() != 4 { // root, /a, /b, /b/c
		t.Fatalf("node count = %d, want 4", tr.NodeCount())
	}
	if err := f.Save(tr); err != nil {
		t.Fatal(err)
	}

	var want bytes.Buffer
	writeInt32(&want, currentVersion)
	writeUint32(&want, 12345)
	writeInt32(&want, 3)
	writeString(&want, "/a") // file, replication 2, one block
	writeUint16(&want, 2)
	writeInt32(&want, 1)
	writeInt64(&want, 1)
	writeInt64(&want, 100)
	writeString(&want, "/b") // intermediate directory
	writeUint16(&want, 0)
	writeInt32(&want, 0)
	writeString(&want, "/b/c") // blockless node, loads as directory
	writeUint16(&want, 1)
	writeInt32(&want, 0)

	if got := imageBytes(t, cfg); !bytes.Equal(got, want.Bytes()) {
		t.Errorf("image bytes\ngot  %x\nwant %x", got, want.Bytes())
	}
}

func TestFormatDestroys(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)

	tr := sampleTree()
	if err := f.Load(tr, cfg); err != nil {
		t.Fatal(err)
	}
	if err := f.Save(tr); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := Format(cfg.nameDir); err != nil {
		t.Fatal(err)
	}
	f = open(t, cfg)
	defer f.Close()
	got := fsdir.New()
	if err := f.Load(got, cfg); err != nil {
		t.Fatal(err)
	}
	if got.NodeCount() != 1 {
		t.Errorf("tree survived format: %d nodes", got.NodeCount())
	}
}

func TestInspect(t *testing.T) {
	cfg, cleanup := setup(t)
	defer cleanup()
	f := open(t, cfg)
	defer f.Close()

	tr := sampleTree()
	tr.SetNamespaceID(12345)
	if err := f.Save(tr); err != nil {
		t.Fatal(err)
	}

	var paths []grove.PathName
	info, err := Inspect(f.path(imageFile), cfg, func(info ImageInfo, n ImageNode) error {
		paths = append(paths, n.Path)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != currentVersion || info.NamespaceID != 12345 || info.Legacy {
		t.Errorf("bad header: %+v", info)
	}
	want := []grove.PathName{"/a", "/b", "/b/c"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}
