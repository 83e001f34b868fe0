// Package bdm implements the BDM (Bundled Data Management) container format.
//
// A BDM file is a single-file container bundling a hierarchical record tree
// (named sections containing items, where an item carries a title, text
// content, a hierarchy level, free-form metadata, and an optional reference
// to an embedded binary blob) together with those blobs.
//
// # File Format Overview
//
// A BDM file is a zip archive with the following entries:
//   - data: the record tree, as a 24-byte versioned envelope followed by a
//     CBOR payload, optionally compressed with Zstandard, LZ4, or Brotli
//   - info: container metadata in the same envelope format
//   - files/<name>: zero or more embedded blobs, stored verbatim
//
// # Basic Usage
//
// To create and save an archive:
//
//	a, _ := bdm.Open("notes.bdm", bdm.ModeWrite)
//	defer a.Close()
//	sec, _ := a.Data().AddSection("notes", "text", "Personal notes")
//	sec.AddItem("First Note", "hi", 1)
//	err := a.Save()
//
// To read one back:
//
//	a, err := bdm.Open("notes.bdm", bdm.ModeRead)
//	defer a.Close()
//
// Or with a scoped session that guarantees cleanup:
//
//	err := bdm.Session("notes.bdm", bdm.ModeReadWrite, func(a *bdm.Archive) error {
//		return a.AddFile("img1", "logo.png")
//	})
//
// # Durability
//
// Save writes a complete new container to a temporary file in the target
// directory and renames it over the target only after the temporary file has
// been fully written and synced. An interrupted save leaves the original file
// byte-for-byte unchanged. Blobs added during a writable session are staged
// to a temporary directory immediately, so large payloads are never held in
// memory across the session; the staging area is removed on Close.
//
// # Concurrency
//
// An Archive is not thread-safe; callers must provide external
// synchronization for concurrent access to one session. Independent sessions
// may read the same path simultaneously. Two sessions saving to the same
// path concurrently are unsupported and may leave either writer's output in
// place; this package does not take a cross-process lock.
//
// # Security Considerations
//
// Decoding enforces configurable [Limits] on entry sizes, decompressed
// payload sizes, and collection counts to prevent resource exhaustion from
// hostile containers.
package bdm
