// Package reorder absorbs the out-of-order delivery that the kernel's
// per-CPU ring buffers introduce and releases MMAP/MMAP2 and SAMPLE
// records in time order, applying each MMAP to the caller's address
// space just before the first sample that observes it. It is the Go
// counterpart of PerfUnwind's m_mmapBuffer/m_sampleBuffer/
// flushEventBuffer machinery in the original implementation.
package reorder

import (
	"log/slog"
	"sort"

	"github.com/qperfstream/qperfstream/perferr"
	"github.com/qperfstream/qperfstream/perffile"
)

// ApplyMmap registers an MMAP or MMAP2 record against the process
// address space it targets.
type ApplyMmap func(rec perffile.Record) error

// EmitSample symbolizes and emits a SAMPLE record once every MMAP it
// could depend on (by time) has already been applied.
type EmitSample func(rec perffile.Record) error

type bufEntry struct {
	rec  perffile.Record
	time uint64
	size int
}

// Buffer is the re-ordering stage between the raw decoder and the
// symbolize/emit stage. The zero value is not usable; construct with
// New.
type Buffer struct {
	log *slog.Logger

	applyMmap  ApplyMmap
	emitSample EmitSample

	mmaps   []bufEntry
	samples []bufEntry

	bufferedBytes    int
	maxBufferBytes   int // 0 if never configured; ignored once roundsMode is set
	roundsMode       bool
	lastFlushMaxTime uint64
}

// New constructs a Buffer. maxBufferBytes configures the size-based
// flush heuristic used until the stream proves it emits FINISHED_ROUND
// records; 0 means rounds-only (no heuristic, e.g. --buffer-size 0).
func New(log *slog.Logger, maxBufferBytes int, applyMmap ApplyMmap, emitSample EmitSample) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		log:            log,
		applyMmap:      applyMmap,
		emitSample:     emitSample,
		maxBufferBytes: maxBufferBytes,
	}
}

// sizeof approximates a record's on-wire byte size for the buffer
// heuristic. It does not need to be exact: it only governs when the
// size-based flush heuristic trips, never correctness, since ordering
// within the buffer is always by decoded time.
func sizeof(rec perffile.Record) int {
	const headerSize = 8 // perf_event_header
	switch r := rec.(type) {
	case *perffile.RecordMmap:
		return headerSize + 40 + len(r.Filename)
	case *perffile.RecordSample:
		return headerSize + 64 + 8*len(r.Callchain) + len(r.StackUser)
	default:
		return headerSize + 24
	}
}

// Ingest buffers rec, classified as an MMAP/MMAP2 or a SAMPLE by its
// dynamic type. Any other record type is rejected by the caller before
// reaching Ingest; reorder only concerns itself with the two record
// kinds whose application order matters (spec.md's "C5" scope).
func (b *Buffer) Ingest(rec perffile.Record) error {
	e := bufEntry{rec: rec, time: rec.Common().Time, size: sizeof(rec)}
	b.bufferedBytes += e.size

	switch rec.(type) {
	case *perffile.RecordMmap:
		b.mmaps = append(b.mmaps, e)
	case *perffile.RecordSample:
		b.samples = append(b.samples, e)
	default:
		return nil
	}

	if !b.roundsMode && b.maxBufferBytes > 0 && b.bufferedBytes > b.maxBufferBytes {
		return b.Flush(b.maxBufferBytes / 2)
	}
	return nil
}

// FinishedRound notifies the buffer of a FINISHED_ROUND record. The
// first call only switches the buffer into rounds mode, disabling the
// size heuristic; every subsequent call flushes the older half of the
// buffer's contents, which is robust against the small per-CPU time
// order violations upstream kernels are known to produce across round
// boundaries.
func (b *Buffer) FinishedRound() error {
	if !b.roundsMode {
		b.roundsMode = true
		return nil
	}
	return b.Flush(b.bufferedBytes / 2)
}

// Flush releases buffered MMAPs and SAMPLEs in time order until either
// the buffer is back at or below desiredBufferedBytes or every sample
// has been released, applying each MMAP to the address space exactly
// before the first sample whose time is >= the MMAP's time. MMAPs later
// than every released sample stay buffered.
func (b *Buffer) Flush(desiredBufferedBytes int) error {
	sort.SliceStable(b.mmaps, func(i, j int) bool { return b.mmaps[i].time < b.mmaps[j].time })
	sort.SliceStable(b.samples, func(i, j int) bool { return b.samples[i].time < b.samples[j].time })

	if len(b.mmaps) > 0 && b.mmaps[0].time < b.lastFlushMaxTime {
		return perferr.New(perferr.TimeOrderViolation,
			"mmap at time %d observed after buffer flush watermark %d",
			b.mmaps[0].time, b.lastFlushMaxTime)
	}

	mi := 0
	si := 0
	for b.bufferedBytes > desiredBufferedBytes && si < len(b.samples) {
		sample := b.samples[si]

		if sample.time < b.lastFlushMaxTime {
			b.log.Warn("time order violation across buffer flush",
				slog.Uint64("sample_time", sample.time),
				slog.Uint64("watermark", b.lastFlushMaxTime))
		} else {
			b.lastFlushMaxTime = sample.time
		}

		for ; mi < len(b.mmaps) && b.mmaps[mi].time <= sample.time; mi++ {
			if err := b.applyMmap(b.mmaps[mi].rec); err != nil {
				return err
			}
			b.bufferedBytes -= b.mmaps[mi].size
		}

		if err := b.emitSample(sample.rec); err != nil {
			return err
		}
		b.bufferedBytes -= sample.size
		si++
	}

	b.samples = b.samples[si:]
	b.mmaps = b.mmaps[mi:]
	return nil
}

// Close flushes every remaining sample, for use at end of stream; MMAPs
// later than the last sample are not applied.
func (b *Buffer) Close() error {
	return b.Flush(0)
}

// BufferedBytes reports the current tracked buffer occupancy, for
// statistics reporting.
func (b *Buffer) BufferedBytes() int {
	return b.bufferedBytes
}
