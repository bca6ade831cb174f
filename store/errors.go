/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import "errors"

// ErrNotFound is returned by Get/Head when key is absent. Backends must
// wrap their provider-specific "missing object" error with this sentinel so
// callers can use IsNotFound regardless of backend.
var ErrNotFound = errors.New("store: key not found")

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
