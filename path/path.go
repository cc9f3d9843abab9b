// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package path provides tools for parsing and printing namespace path
// names. Path names are rooted and slash-separated: the root of the
// namespace is "/", and "/a/b" names the item b in the directory a.
package path

import (
	gopath "path"
	"strings"

	"grovefs.io/grove"
)

// Parsed represents a successfully parsed path name.
type Parsed struct {
	// The parsed path is just a clean string. We compute what we need
	// in the methods.
	path grove.PathName // Always rooted and clean.
}

func (p Parsed) String() string {
	return string(p.path)
}

// Path returns the string representation with type grove.PathName.
func (p Parsed) Path() grove.PathName {
	return p.path
}

// IsRoot reports whether the path represents the root of the namespace.
func (p Parsed) IsRoot() bool {
	return p.path == "/"
}

// NElem returns the number of elements in the path.
// The root has zero elements.
func (p Parsed) NElem() int {
	if p.IsRoot() {
		return 0
	}
	return strings.Count(string(p.path), "/")
}

// Elem returns the nth element of the path.
// It panics if n is out of range.
func (p Parsed) Elem(n int) string {
	str := string(p.path)[1:] // Skip the leading slash.
	for i := 0; i < n; i++ {
		slash := strings.IndexByte(str, '/')
		if slash < 0 {
			panic("Elem out of range")
		}
		str = str[slash+1:]
	}
	if str == "" {
		panic("Elem out of range")
	}
	if slash := strings.IndexByte(str, '/'); slash >= 0 {
		return str[:slash]
	}
	return str
}

// Drop returns a parsed name with the last n elements dropped.
func (p Parsed) Drop(n int) Parsed {
	for ; n > 0 && !p.IsRoot(); n-- {
		str := string(p.path)
		p.path = grove.PathName(str[:strings.LastIndexByte(str, '/')])
		if p.path == "" {
			p.path = "/"
		}
	}
	return p
}

// NameError gives information about an erroneous path name, including
// the name and error description.
type NameError struct {
	name  string
	error string
}

// Name is the path name that caused the error.
func (n NameError) Name() string {
	return n.name
}

// Error is the implementation of the error interface for NameError.
func (n NameError) Error() string {
	return n.error
}

// Parse parses a full path name, validates it, and returns its parsed
// form. The name must be rooted; a trailing slash is permitted only
// for the root itself.
func Parse(pathName grove.PathName) (Parsed, error) {
	name := string(pathName)
	if name == "" || name[0] != '/' {
		return Parsed{}, NameError{name, "path is not rooted"}
	}
	p := Parsed{
		// If pathName is already clean, which it usually is, this will not allocate.
		path: Clean(pathName),
	}
	return p, nil
}

// Clean returns the shortest equivalent of the path name,
// applying Go's path.Clean and guaranteeing a leading slash.
func Clean(pathName grove.PathName) grove.PathName {
	name := string(pathName)
	if name == "" || name[0] != '/' {
		name = "/" + name
	}
	return grove.PathName(gopath.Clean(name))
}

// Join appends any number of path elements onto a (possibly empty) path
// name, adding a separating slash and cleaning the result.
func Join(pathName grove.PathName, elems ...string) grove.PathName {
	// Do what we can to avoid unnecessary allocation.
	joined := ""
	for i, e := range elems {
		if e != "" {
			joined = strings.Join(elems[i:], "/")
			break
		}
	}
	if joined != "" {
		pathName += grove.PathName("/" + joined)
	}
	return Clean(pathName)
}
