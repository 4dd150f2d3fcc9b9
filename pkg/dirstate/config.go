// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import "flag"

// Config groups the flag-configurable parameters of a dirstate2
// repository, following the flag-driven cmd/*/main.go convention the
// teacher's own daemons use (e.g. cmd/loadblb/main.go's package-level
// flag vars) rather than a config-file DSL.
type Config struct {
	// Dir is the repository metadata directory holding
	// dirstate/dirstate.<id>.
	Dir string

	// RewriteThreshold is the unreachable_bytes/used_size ratio above
	// which Auto mode chooses a fresh rewrite over an append; see
	// Writer.RewriteThreshold.
	RewriteThreshold float64

	// IgnoreHashAlgorithm names the digest this package's ignore module
	// computes. Only "sha1" is implemented (see ignore.go's field-width
	// reasoning); the field exists so a future algorithm swap has a
	// place to be configured without changing every caller.
	IgnoreHashAlgorithm string
}

// DefaultConfig returns the defaults every dirstate2 command starts
// from.
func DefaultConfig() Config {
	return Config{
		Dir:                 ".hg",
		RewriteThreshold:    0.5,
		IgnoreHashAlgorithm: "sha1",
	}
}

// RegisterFlags binds fs's flags to c's fields, the way
// cmd/loadblb/main.go registers flags directly against its config
// variables. Call it with c already holding the desired defaults
// (typically from DefaultConfig).
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Dir, "dir", c.Dir, "repository metadata directory holding dirstate/dirstate.<id>")
	fs.Float64Var(&c.RewriteThreshold, "rewrite-threshold", c.RewriteThreshold,
		"unreachable_bytes/used_size ratio above which Auto mode chooses a fresh rewrite over an append")
	fs.StringVar(&c.IgnoreHashAlgorithm, "ignore-hash-algorithm", c.IgnoreHashAlgorithm,
		"digest algorithm for the ignore-pattern hash (sha1 only)")
}

// Writer builds a Writer from c's RewriteThreshold.
func (c *Config) Writer(metrics *Metrics) *Writer {
	return &Writer{RewriteThreshold: c.RewriteThreshold, Metrics: metrics}
}
