// Package dispatch implements the Request Dispatcher (C6): a thin mapping
// from a numeric request code to a Controller operation.
//
// Grounded on the original Rust source's top-level match over the
// GHCB-delivered request code (kernel/src/protocols/backup.rs); params is
// accepted opaquely and never read or mutated here, matching the design
// note in spec.md §9 that this module does not define a wire format.
package dispatch

import (
	"github.com/coco-serverless/svsm/snapshot"
	"github.com/coco-serverless/svsm/svsmerr"
)

// Request codes understood by Dispatch. Code 3 is reserved and, like any
// other unknown code, always fails with svsmerr.UnsupportedCall.
const (
	CodeFullBackup        uint32 = 0
	CodeRestore           uint32 = 1
	CodeEnableCopyOnWrite uint32 = 2
)

// Dispatch routes code to the matching Controller operation. params is
// accepted for interface symmetry with a real request envelope but is
// never inspected.
func Dispatch(c *snapshot.Controller, code uint32, params any) error {
	switch code {
	case CodeFullBackup:
		return c.FullBackup()
	case CodeRestore:
		return c.Restore()
	case CodeEnableCopyOnWrite:
		return c.EnableCopyOnWrite()
	default:
		return svsmerr.UnsupportedCallErr()
	}
}
