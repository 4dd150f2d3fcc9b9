// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"flag"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Dir != ".hg" {
		t.Fatalf("Dir = %q, want %q", c.Dir, ".hg")
	}
	if c.RewriteThreshold != 0.5 {
		t.Fatalf("RewriteThreshold = %v, want 0.5", c.RewriteThreshold)
	}
	if c.IgnoreHashAlgorithm != "sha1" {
		t.Fatalf("IgnoreHashAlgorithm = %q, want %q", c.IgnoreHashAlgorithm, "sha1")
	}
}

func TestConfigRegisterFlagsOverridesDefaults(t *testing.T) {
	c := DefaultConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse([]string{"-dir=/tmp/repo", "-rewrite-threshold=0.75"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Dir != "/tmp/repo" {
		t.Fatalf("Dir = %q, want %q", c.Dir, "/tmp/repo")
	}
	if c.RewriteThreshold != 0.75 {
		t.Fatalf("RewriteThreshold = %v, want 0.75", c.RewriteThreshold)
	}
}

func TestConfigWriterUsesRewriteThreshold(t *testing.T) {
	c := DefaultConfig()
	c.RewriteThreshold = 0.9
	w := c.Writer(nil)
	if w.RewriteThreshold != 0.9 {
		t.Fatalf("Writer.RewriteThreshold = %v, want 0.9", w.RewriteThreshold)
	}
}
