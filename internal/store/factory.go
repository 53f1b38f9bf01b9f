// SPDX-License-Identifier: MIT

package store

import "fmt"

// Open creates a StateStore for the configured backend.
func Open(backend, path string) (StateStore, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		return OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}
