// Package resource provides the handle arenas that stand in for host
// pointers on the guest side of the ABI.
//
// Guests only ever hold integer handles. Each handle encodes a slot index
// and a slot generation:
//
//	arena := resource.NewArena[*Buffer]()
//
//	// Insert a value, get a handle
//	h, err := arena.Insert(buf)
//
//	// Retrieve value by handle
//	buf, ok := arena.Get(h)
//
//	// Remove it; the slot is reused with a new generation
//	buf, ok = arena.Remove(h)
//
// A forged, stale or zero handle fails Get with ok == false. It never
// resolves to another value.
package resource
