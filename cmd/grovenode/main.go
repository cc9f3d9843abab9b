// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Grovenode is the grove metadata server. It owns a name directory
// holding the persistent image of the namespace tree and brings the
// namespace up from it, repairing any checkpoint a previous run left
// unfinished.
//
// Serving the namespace to clients and datanodes is the job of the
// network layer, which plugs in above this binary's loading step.
package main

import (
	"flag"
	"fmt"
	"os"

	"grovefs.io/config"
	"grovefs.io/fsdir"
	"grovefs.io/fsimage"
	"grovefs.io/log"
)

var (
	configFile = flag.String("config", "", "configuration `file`; defaults apply if empty")
	formatFlag = flag.Bool("format", false, "format the name directory and exit; destroys its contents")
	logLevel   = flag.String("log", "", "level of logging: debug, info, error, disabled")
)

func main() {
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
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
	if *logLevel != "" {
		if err := log.SetLevel(*logLevel); err != nil {
			log.Fatal(err)
		}
	}

	if *formatFlag {
		if err := fsimage.Format(cfg.NameDir()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("formatted name directory %s\n", cfg.NameDir())
		return
	}

	f, err := fsimage.New(cfg.NameDir(), cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	tree := fsdir.New()
	if err := f.Load(tree, cfg); err != nil {
		log.Fatal(err)
	}
	log.Info.Printf("grovenode: namespace %d up with %d nodes", tree.NamespaceID(), tree.NodeCount())
}
