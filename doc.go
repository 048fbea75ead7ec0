// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package squashzip builds ZIP archives incrementally: entries byte-identical
// to ones in a prior run of the engine are carried over without
// recompression, Deflate's iteration count is tuned per entry to keep
// compression time roughly constant regardless of file size, content shared
// across entries is deduplicated to a single stored payload, and header
// fields may optionally be rewritten by an obfuscation engine to frustrate
// naive re-extraction while staying readable by conforming ZIP readers.
//
// The zero value of Settings is usable and stores every entry without
// compression; set ZopfliIterations to enable Deflate, and pass the
// Settings to New. An Engine is safe for concurrent AddFile and
// AddPreviousFile calls from multiple goroutines; Finish consumes it.
package squashzip
