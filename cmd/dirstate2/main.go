// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Command dirstate2 is a diagnostic tool for a dirstate-v2 repository
// directory: it never drives a working-directory status walk itself
// (that's an external collaborator's job), only the docket/data-file
// pair.
package main

import (
	"flag"
	"os"

	log "github.com/golang/glog"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Parse()

	app := newApp()
	if err := app.Run(os.Args); err != nil {
		log.Errorf("dirstate2: %v", err)
		os.Exit(1)
	}
}
