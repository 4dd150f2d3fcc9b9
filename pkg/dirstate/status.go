// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import "github.com/dirstate2/dirstate2/pkg/tokenbucket"

// Outcome is the per-entry result of comparing a stored node against
// an observed stat, per spec.md §4.3.
type Outcome int

const (
	// Clean means the observed metadata matches the stored entry and
	// EXPECTED_STATE_IS_MODIFIED is unset.
	Clean Outcome = iota
	// Modified means the observed metadata matches the stored entry
	// but EXPECTED_STATE_IS_MODIFIED is set.
	Modified
	// Ambiguous means the stored entry can't rule out a content
	// change; the walker must open and compare the file itself.
	Ambiguous
)

// Observed is the subset of a stat(2) result the status protocol
// compares against a stored node. Obtaining it is the filesystem
// walker's job (spec.md §1 scopes that out of this package).
type Observed struct {
	Size          uint32
	ModeExecPerm  bool
	ModeIsSymlink bool

	MtimeSeconds     uint32
	MtimeNanoseconds uint32

	// SubSecondPrecision reports whether MtimeNanoseconds reflects a
	// real sub-second reading rather than a filesystem/clock that only
	// offers whole-second resolution.
	SubSecondPrecision bool
}

// View names the status categories a walker is currently computing;
// CanSkipReaddir consults it against AllUnknownRecorded/
// AllIgnoredRecorded.
type View struct {
	Unknown bool
	Ignored bool
}

// WalkOptions configures one status walk. The zero value walks
// unthrottled and answers CanSkipReaddir conservatively (false) for
// every view field left unset.
type WalkOptions struct {
	View View

	// IgnoreHashMatches must be true only when the caller's current
	// ignore-pattern digest equals the docket's stored IgnoreHash
	// (spec.md §4.4); a mismatch disables both readdir-skip
	// optimisations regardless of per-node flags.
	IgnoreHashMatches bool

	// Throttle, if set, bounds the rate of filesystem calls a walker
	// issues; nil means unthrottled. Not part of spec.md — added
	// because a large working directory on a network filesystem
	// benefits from rate-limiting stat/readdir traffic.
	Throttle *tokenbucket.TokenBucket

	Metrics *Metrics
}

// Wait blocks, if a Throttle is configured, until one filesystem-call
// token is available. A walker calls this immediately before each
// stat or readdir.
func (o *WalkOptions) Wait() {
	if o == nil || o.Throttle == nil {
		return
	}
	o.Throttle.Take(1)
}

// Classify implements spec.md §4.3's per-entry comparison: Clean when
// the cached mode/size/mtime all match the observation, Modified when
// they match but the node already carries EXPECTED_STATE_IS_MODIFIED,
// Ambiguous otherwise (the walker must read file content).
func Classify(n Node, obs Observed) Outcome {
	if !n.Flags.Has(HasModeAndSize) || !n.Flags.Has(HasMtime) {
		return Ambiguous
	}
	if n.Size != obs.Size {
		return Ambiguous
	}
	if n.Flags.Has(ModeExecPerm) != obs.ModeExecPerm {
		return Ambiguous
	}
	if n.Flags.Has(ModeIsSymlink) != obs.ModeIsSymlink {
		return Ambiguous
	}
	if !mtimeEqual(n, obs) {
		return Ambiguous
	}
	if n.Flags.Has(ExpectedStateIsModified) {
		return Modified
	}
	return Clean
}

// mtimeEqual implements the mtime comparison rule of spec.md §4.3:
// seconds must match; then either side missing sub-second precision
// (nanoseconds 0) satisfies the comparison, otherwise nanoseconds must
// match exactly. MTIME_SECOND_AMBIGUOUS additionally requires the
// observation itself to carry sub-second precision, or the stored
// mtime is treated as absent (never a match).
func mtimeEqual(n Node, obs Observed) bool {
	if n.Flags.Has(MtimeSecondAmbiguous) && !obs.SubSecondPrecision {
		return false
	}
	if n.MtimeSeconds != obs.MtimeSeconds {
		return false
	}
	if n.MtimeNanoseconds == 0 || obs.MtimeNanoseconds == 0 {
		return true
	}
	return n.MtimeNanoseconds == obs.MtimeNanoseconds
}

// CanStoreMtime implements the mtime storage rule of spec.md §4.3:
// HAS_MTIME may be set only when the observed time is strictly in the
// past relative to the writer's wall clock at write time, so that any
// change within the same filesystem tick would be observed as a
// different mtime on a later run.
func CanStoreMtime(observedSeconds, observedNanoseconds, nowSeconds, nowNanoseconds uint32) bool {
	if observedSeconds != nowSeconds {
		return observedSeconds < nowSeconds
	}
	return observedNanoseconds < nowNanoseconds
}

// CanSkipReaddir implements spec.md §4.3's DIRECTORY + HAS_MTIME
// optimisation: a walker may iterate n's stored children instead of
// calling readdir only when n is a directory with a trustworthy
// mtime, the caller's ignore-pattern digest still matches the one the
// recorded hints were computed against, and every category the
// caller's View asks for is covered by the matching ALL_*_RECORDED
// flag.
func CanSkipReaddir(n Node, o WalkOptions) bool {
	if !n.Flags.Has(Directory) || !n.Flags.Has(HasMtime) {
		return false
	}
	if !o.IgnoreHashMatches {
		return false
	}
	if o.View.Unknown && !n.Flags.Has(AllUnknownRecorded) {
		return false
	}
	if o.View.Ignored && !n.Flags.Has(AllIgnoredRecorded) {
		return false
	}
	return true
}
