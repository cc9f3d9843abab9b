// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package editlog

import (
	"bufio"
	"io"
)

// checker is a buffered io.Reader and io.ByteReader that counts bytes
// and computes the checksum of the bytes read.
type checker struct {
	rd     *bufio.Reader
	count  int
	chksum [4]byte
}

var _ io.ByteReader = (*checker)(nil)
var _ io.Reader = (*checker)(nil)

func newChecker(r io.Reader) *checker {
	return &checker{
		rd:     bufio.NewReader(r),
		chksum: checksumSalt,
	}
}

// Read implements io.Reader. It implicitly computes the checksum of
// the read bytes.
func (c *checker) Read(p []byte) (n int, err error) {
	n, err = c.rd.Read(p)
	for i := 0; i < n; i++ {
		offs := c.count + i
		c.chksum[offs%4] ^= p[i]
	}
	c.count += n
	return
}

// ReadByte implements io.ByteReader.
func (c *checker) ReadByte() (byte, error) {
	b, err := c.rd.ReadByte()
	if err != nil {
		return 0, err
	}
	c.chksum[c.count%4] ^= b
	c.count++
	return b, nil
}

// readChecksum reads the four stored checksum bytes. They are read
// from the underlying reader directly: our checksum is not checksummed.
func (c *checker) readChecksum() ([4]byte, error) {
	var chk [4]byte
	if _, err := io.ReadFull(c.rd, chk[:]); err != nil {
		return chk, err
	}
	return chk, nil
}

// resetChecksum resets the checksum and the counting of bytes, without
// affecting the state of the reader.
func (c *checker) resetChecksum() {
	c.count = 0
	c.chksum = checksumSalt
}
