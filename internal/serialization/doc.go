// Package serialization implements the checkpoint container format.
//
// A checkpoint file stores named float32 tensors together with the global
// step they were taken at:
//
//	Format Structure:
//	  [0x00-0x03: Magic "AGCK"]
//	  [0x04-0x07: Version (uint32 LE)]
//	  [0x08-0x0B: Flags (uint32 LE)]
//	  [0x0C-0x0F: Reserved]
//	  [0x10-0x17: Header size (uint64 LE)]
//	  [0x18-0x1F: Data size (uint64 LE)]
//	  [0x20-0x3F: SHA-256 of the data section]
//	  [Header: JSON metadata]
//	  [Tensor data: float32 LE, 64-byte aligned]
//
// Files are always written to a temporary sibling and renamed into place, so
// a crash never leaves a truncated file under the final name.
//
// Example usage:
//
//	ckpt := &serialization.Checkpoint{Model: "baseline", Step: 1200, Tag: 1200, Tensors: tensors}
//	if err := serialization.WriteFile("model.ckpt-1200", ckpt); err != nil {
//	    log.Fatal(err)
//	}
//
//	loaded, err := serialization.ReadFile("model.ckpt-1200")
package serialization
