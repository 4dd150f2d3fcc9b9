// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This contains a few functions to help writing dirstate2's on-disk tests. If
// you want to put something in a temporary directory, put it in
// testutil.TempDir(), or a directory within it — RepoDir does that for a
// fresh per-test scratch directory. Also, put this in a file named
// main_test.go in your package, and temp directories will be cleaned up
// automatically on successful runs:
/*

package dirstate

import (
	"testing"

	"github.com/dirstate2/dirstate2/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

*/

package testutil

import (
	"flag"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var tempDir, createdBase string

// TempDir gets a temp directory that's exclusive to this process (but not
// necessarily other tests in the same process). You might want to use
// ioutil.TempDir on the result to create a directory exclusive to a particular
// test, or call RepoDir to do that for you.
func TempDir() string {
	if tempDir == "" {
		var err error
		tempDir, err = ioutil.TempDir(getBase(), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("Couldn't create temp dir: %s", err)
		}
	}
	return tempDir
}

// RepoDir returns a fresh scratch directory under TempDir, named from
// prefix, for tests that need a standalone dirstate metadata directory
// (the sort of path passed to dirstate.Init/Open or OpenRegistry). Each
// call returns a distinct directory; the caller doesn't need to remove
// it, since it lives under the process temp dir TestMain cleans up.
func RepoDir(t *testing.T, prefix string) string {
	t.Helper()
	dir, err := ioutil.TempDir(TempDir(), prefix)
	if err != nil {
		t.Fatalf("couldn't create repo dir: %s", err)
	}
	return dir
}

// Get a base temp dir. Create one if it doesn't exist.
func getBase() string {
	// Try TMPDIR first.
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return tmp
	}
	// Otherwise just make one in the current directory.
	wd, err := os.Getwd()
	if nil != err {
		log.Fatalf("could not get the current dir: %s", err)
	}
	// The base is named "<timestamp>.dirstate2.test" in the current
	// directory.
	base := time.Now().Format("20060102.150405.dirstate2.test")
	tmp := filepath.Join(wd, base)
	if err := os.Mkdir(tmp, 0755); nil != err && !os.IsExist(err) {
		log.Fatalf("failed to create tmp dir: %s", tmp)
	}
	createdBase = tmp
	return tmp
}

func cleanup() {
	if tempDir != "" {
		os.RemoveAll(tempDir)
	}
	if createdBase != "" {
		os.RemoveAll(createdBase)
	}
}

// TestMain should be called from your package TestMain to ensure that the process
// temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 {
		cleanup()
	}
	os.Exit(ret)
}
