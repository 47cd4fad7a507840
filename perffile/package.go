// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perffile decodes Linux perf.data recordings: this is
// component C1 of the analysis pipeline, the input stage that every
// other component (elfmap, symtab, unwind, reorder, emit) sits
// downstream of.
//
// A seekable recording is opened with New or Open and its records
// retrieved in bulk with File.Records; a non-seekable one (stdin, a
// TCP stream) is decoded incrementally with NewStreamDecoder, whose
// Next drives internal/driver.Driver.Run's pipe-mode path one record
// at a time. Either way, records reach internal/driver.Driver.ingest
// as the Record interface, dispatched by concrete type
// (RecordMmap/RecordSample/RecordComm/RecordFork/RecordExit/
// RecordFinishedRound are the ones the pipeline acts on; the rest
// pass through the decoder but are out of this pipeline's scope).
package perffile // import "github.com/qperfstream/qperfstream/perffile"
