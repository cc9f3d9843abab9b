// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Groveimg prints the contents of a namespace image file. It reads
// the file directly, without locking or repairing the name directory,
// so it is safe to point at a copy taken from a live grovenode.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"grovefs.io/config"
	"grovefs.io/fsimage"
	"grovefs.io/log"
)

var (
	configFile = flag.String("config", "", "configuration `file`; defaults apply if empty")
	summary    = flag.Bool("s", false, "print only the summary line")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: groveimg [flags] imagefile\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := config.New()
	if *configFile != "" {
		var err error
		cfg, err = config.FromFile(*configFile)
		if err != nil {
			log.Fatal(err)
		}
	}

	var nodes, files int
	var bytes uint64
	info, err := fsimage.Inspect(flag.Arg(0), cfg, func(info fsimage.ImageInfo, n fsimage.ImageNode) error {
		nodes++
		var size int64
		for _, b := range n.Blocks {
			size += b.Bytes
		}
		if len(n.Blocks) > 0 {
			files++
			bytes += uint64(size)
		}
		if !*summary {
			fmt.Printf("%s\treplication %d\t%d blocks\t%s\n",
				n.Path, n.Replication, len(n.Blocks), humanize.IBytes(uint64(size)))
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	kind := "image"
	if info.Legacy {
		kind = "legacy image"
	}
	fmt.Printf("%s version %d, namespace %d: %d nodes, %d files, %s\n",
		kind, info.Version, info.NamespaceID, nodes, files, humanize.IBytes(bytes))
}
