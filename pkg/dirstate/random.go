// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import "crypto/rand"

// randomID returns n bytes of cryptographically random data suitable
// for naming a fresh data-file generation, "dirstate.<id>" (spec.md
// §3, §4.5 step 4).
func randomID(n int) ([]byte, error) {
	id := make([]byte, n)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	return id, nil
}
