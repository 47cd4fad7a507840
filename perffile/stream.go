// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/qperfstream/qperfstream/perferr"
)

// pipeHeader is perf_pipe_file_header from tools/perf/util/header.h: the
// pipe-mode profile header carries only the magic, with event attrs and
// feature data interleaved into the record stream itself rather than
// living in up-front file sections.
type pipeHeader struct {
	Magic [8]byte
	Size  uint64
}

// Status reports the outcome of one StreamDecoder.Next call.
type Status int

const (
	// Ok means Record holds a freshly decoded record.
	Ok Status = iota
	// NeedMore means a full record was not available. StreamDecoder.Next
	// does not return it: a stream that ends inside a record header or
	// body is reported as Err, and the partly read record is not kept.
	NeedMore
	// Err means decoding failed; see StreamDecoder.Err.
	Err
	// EOF means the stream ended cleanly between records.
	EOF
)

// StreamDecoder decodes a pipe-mode ("perf record -o -") perf.data
// stream incrementally. Unlike File, it never requires random access:
// event attrs, feature sections and build-id records arrive inline, as
// ordinary records with types recordTypeAttr, recordTypeHeaderFeature
// and recordTypeBuildID rather than as up-front file sections.
type StreamDecoder struct {
	r   io.Reader
	err error

	idToAttr map[attrID]*EventAttr
	events   []*EventAttr

	sampleIDAll    bool
	recordIDOffset int
	sampleIDOffset int

	buf []byte

	recordMmap   RecordMmap
	recordComm   RecordComm
	recordExit   RecordExit
	recordFork   RecordFork
	recordSample RecordSample
}

// NewStreamDecoder reads the pipe-mode header from r and returns a
// decoder ready to consume the record stream that follows.
func NewStreamDecoder(r io.Reader) (*StreamDecoder, error) {
	var hdr pipeHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, perferr.Wrap(perferr.BadMagic, err, "reading pipe header")
	}
	switch string(hdr.Magic[:]) {
	case "PERFILE2":
	case "2ELIFREP":
		return nil, perferr.New(perferr.BadMagic, "big endian profiles not supported")
	default:
		return nil, perferr.New(perferr.BadMagic, "bad or unsupported pipe magic %q", string(hdr.Magic[:]))
	}
	return &StreamDecoder{
		r:              r,
		idToAttr:       make(map[attrID]*EventAttr),
		recordIDOffset: -1,
		sampleIDOffset: -1,
	}, nil
}

// Events lists the event attrs seen so far. It grows as recordTypeAttr
// records arrive in the stream; by the time the first RecordSample is
// decoded, it holds every attr that sample could reference.
func (d *StreamDecoder) Events() []*EventAttr { return d.events }

// Err returns the error that caused the most recent Next call to
// return Err, if any.
func (d *StreamDecoder) Err() error { return d.err }

// Next decodes the next record from the stream. It returns (record,
// Ok) on success, (nil, EOF) at a clean end of stream, or (nil, Err)
// on failure, with the error available from Err.
//
// Feature and attr records (recordTypeAttr, recordTypeHeaderFeature,
// recordTypeTracingData, recordTypeBuildID) are consumed internally to
// update decoder state and are not returned to the caller; Next skips
// past them and decodes the following record instead.
func (d *StreamDecoder) Next() (Record, Status) {
	for {
		var hdr recordHeader
		if err := binary.Read(d.r, binary.LittleEndian, &hdr); err != nil {
			if err == io.EOF {
				return nil, EOF
			}
			d.err = perferr.Wrap(perferr.SignalError, err, "reading record header")
			return nil, Err
		}
		rlen := int(hdr.Size - 8)
		if rlen < 0 {
			d.err = perferr.New(perferr.SignalError, "bad record size %d", hdr.Size)
			return nil, Err
		}
		if rlen > len(d.buf) {
			d.buf = make([]byte, rlen)
		}
		buf := d.buf[:rlen]
		if _, err := io.ReadFull(d.r, buf); err != nil {
			d.err = perferr.Wrap(perferr.SignalError, err, "reading record body")
			return nil, Err
		}
		bd := &bufDecoder{buf, binary.LittleEndian}

		var common RecordCommon
		if d.sampleIDAll && hdr.Type != RecordTypeSample && hdr.Type < recordTypeUserStart {
			d.parseCommon(bd, &common)
		}

		switch hdr.Type {
		case recordTypeAttr:
			if err := d.parseAttr(bd); err != nil {
				d.err = err
				return nil, Err
			}
			continue

		case recordTypeFinishedRound:
			return &RecordFinishedRound{common}, Ok

		case RecordTypeMmap:
			return d.parseMmapS(bd, &hdr, &common, false), Ok
		case recordTypeMmap2:
			return d.parseMmapS(bd, &hdr, &common, true), Ok
		case RecordTypeLost:
			return d.parseLostS(bd, &common), Ok
		case RecordTypeComm:
			return d.parseCommS(bd, &hdr, &common), Ok
		case RecordTypeExit:
			return d.parseExitS(bd, &common), Ok
		case RecordTypeFork:
			return d.parseForkS(bd, &common), Ok
		case RecordTypeSample:
			rec, err := d.parseSampleS(bd, &hdr)
			if err != nil {
				d.err = err
				return nil, Err
			}
			return rec, Ok

		case recordTypeHeaderFeature, recordTypeTracingData, recordTypeBuildID, recordTypeIDIndex:
			// Metadata records that don't affect decoding of the
			// records processed by this package; skip them.
			continue

		default:
			return &RecordUnknown{hdr, common, append([]byte(nil), buf...)}, Ok
		}
	}
}

// parseAttr decodes a recordTypeAttr record: a perf_event_attr
// followed by the list of IDs it applies to. See
// perf_event__synthesize_attr in tools/perf/util/event.c.
func (d *StreamDecoder) parseAttr(bd *bufDecoder) error {
	// perf_event_attr is variably sized (its own Size field says how
	// much to read); reuse readFileAttr's decoding logic via a
	// SectionReader over the already-buffered bytes. readFileAttr also
	// reads the 16-byte IDs fileSection that follows a file-mode attr,
	// which an attr record does not have, so it is given 16 padding
	// bytes to read and the ID list starts 16 bytes before where it
	// stops.
	padded := append(append([]byte(nil), bd.buf...), make([]byte, 16)...)
	sr := io.NewSectionReader(bytes.NewReader(padded), 0, int64(len(padded)))
	var fa fileAttr
	if err := readFileAttr(sr, &fa); err != nil {
		return perferr.Wrap(perferr.HeaderError, err, "decoding attr record")
	}
	attr := fa.Attr
	d.events = append(d.events, &attr)

	remaining := &bufDecoder{bd.buf[mustTell(sr)-16:], bd.order}
	for len(remaining.buf) >= 8 {
		id := attrID(remaining.u64())
		d.idToAttr[id] = &attr
	}

	d.sampleIDAll = attr.Flags&EventFlagSampleIDAll != 0
	d.recordIDOffset = attr.SampleFormat.recordIDOffset()
	d.sampleIDOffset = attr.SampleFormat.sampleIDOffset()
	return nil
}

func mustTell(sr *io.SectionReader) int64 {
	off, _ := sr.Seek(0, io.SeekCurrent)
	return off
}

// parseReadFormat mirrors Records.parseReadFormat.
func (d *StreamDecoder) parseReadFormat(bd *bufDecoder, f ReadFormat, out *[]SampleRead) {
	n := 1
	if f&ReadFormatGroup != 0 {
		n = int(bd.u64())
	}
	*out = make([]SampleRead, n)

	if f&ReadFormatGroup == 0 {
		o := &(*out)[0]
		o.Value = bd.u64()
		o.TimeEnabled = bd.u64If(f&ReadFormatTotalTimeEnabled != 0)
		o.TimeRunning = bd.u64If(f&ReadFormatTotalTimeRunning != 0)
		if f&ReadFormatID != 0 {
			o.EventAttr = d.getAttr(attrID(bd.u64()))
		}
	} else {
		for i := range *out {
			o := &(*out)[i]
			o.TimeEnabled = bd.u64If(f&ReadFormatTotalTimeEnabled != 0)
			o.TimeRunning = bd.u64If(f&ReadFormatTotalTimeRunning != 0)
			o.Value = bd.u64()
			if f&ReadFormatID != 0 {
				o.EventAttr = d.getAttr(attrID(bd.u64()))
			}
		}
	}
}

func (d *StreamDecoder) getAttr(id attrID) *EventAttr {
	if attr, ok := d.idToAttr[id]; ok {
		return attr
	}
	return nil
}

func (d *StreamDecoder) parseCommon(bd *bufDecoder, o *RecordCommon) bool {
	if d.recordIDOffset == -1 || -d.recordIDOffset > len(bd.buf) {
		return false
	}
	o.ID = attrID(bd.order.Uint64(bd.buf[len(bd.buf)+d.recordIDOffset:]))
	o.EventAttr = d.getAttr(o.ID)
	if o.EventAttr == nil {
		return false
	}
	commonLen := o.EventAttr.SampleFormat.trailerBytes()
	if commonLen > len(bd.buf) {
		return false
	}
	tb := &bufDecoder{bd.buf[len(bd.buf)-commonLen:], bd.order}
	t := o.EventAttr.SampleFormat
	o.Format = t
	o.PID = int(tb.i32If(t&SampleFormatTID != 0))
	o.TID = int(tb.i32If(t&SampleFormatTID != 0))
	o.Time = tb.u64If(t&SampleFormatTime != 0)
	tb.u64If(t&SampleFormatID != 0)
	o.StreamID = tb.u64If(t&SampleFormatStreamID != 0)
	o.CPU = tb.u32If(t&SampleFormatCPU != 0)
	o.Res = tb.u32If(t&SampleFormatCPU != 0)
	return true
}

func (d *StreamDecoder) parseMmapS(bd *bufDecoder, hdr *recordHeader, common *RecordCommon, v2 bool) Record {
	o := &d.recordMmap
	*o = RecordMmap{}
	o.RecordCommon = *common
	o.Format |= SampleFormatTID
	o.Data = (hdr.Misc&recordMiscMmapData != 0)
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Addr, o.Len, o.PgOff = bd.u64(), bd.u64(), bd.u64()
	if v2 {
		o.Major, o.Minor = bd.u32(), bd.u32()
		o.Ino, o.InoGeneration = bd.u64(), bd.u64()
		o.Prot, o.Flags = bd.u32(), bd.u32()
	}
	o.Filename = bd.cstring()
	return o
}

func (d *StreamDecoder) parseLostS(bd *bufDecoder, common *RecordCommon) Record {
	o := &RecordLost{RecordCommon: *common}
	o.Format |= SampleFormatID
	o.ID = attrID(bd.u64())
	o.EventAttr = d.getAttr(o.ID)
	o.NumLost = bd.u64()
	return o
}

func (d *StreamDecoder) parseCommS(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &d.recordComm
	*o = RecordComm{}
	o.RecordCommon = *common
	o.Format |= SampleFormatTID
	o.Exec = (hdr.Misc&recordMiscCommExec != 0)
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Comm = bd.cstring()
	return o
}

func (d *StreamDecoder) parseExitS(bd *bufDecoder, common *RecordCommon) Record {
	o := &d.recordExit
	*o = RecordExit{}
	o.RecordCommon = *common
	o.Format |= SampleFormatTID | SampleFormatTime
	o.PID, o.PPID = int(bd.i32()), int(bd.i32())
	o.TID, o.PTID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()
	return o
}

func (d *StreamDecoder) parseForkS(bd *bufDecoder, common *RecordCommon) Record {
	o := &d.recordFork
	*o = RecordFork{}
	o.RecordCommon = *common
	o.Format |= SampleFormatTID | SampleFormatTime
	o.PID, o.PPID = int(bd.i32()), int(bd.i32())
	o.TID, o.PTID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()
	return o
}

// parseSampleS decodes a RecordTypeSample record. It mirrors
// Records.parseSample; the two can't share code directly because one
// resolves attrs through *File and the other through the stream
// decoder's own id-to-attr map, but the wire layout is identical.
//
// A pipe source can't seek back to re-read a sample once more attrs
// have arrived than were registered when sampleIDOffset was last
// computed, so with more than one event attr in play, which offset
// applies to a given sample is genuinely ambiguous; rather than guess
// using whichever attr's format happened to be seen last, this fails
// the record outright.
func (d *StreamDecoder) parseSampleS(bd *bufDecoder, hdr *recordHeader) (Record, error) {
	o := &d.recordSample
	*o = RecordSample{}

	if len(d.events) > 1 {
		return nil, perferr.New(perferr.SignalError, "sample-id ambiguous with %d event attrs on a non-seekable source", len(d.events))
	}

	if d.sampleIDOffset == -1 {
		o.ID = 0
	} else {
		o.ID = attrID(bd.order.Uint64(bd.buf[d.sampleIDOffset:]))
	}
	o.EventAttr = d.getAttr(o.ID)
	if o.EventAttr == nil {
		return nil, nil
	}

	o.CPUMode = CPUMode(hdr.Misc & recordMiscCPUModeMask)
	o.ExactIP = (hdr.Misc&recordMiscExactIP != 0)

	t := o.EventAttr.SampleFormat
	o.Format = t
	bd.u64If(t&SampleFormatIdentifier != 0)
	o.IP = bd.u64If(t&SampleFormatIP != 0)
	o.PID = int(bd.i32If(t&SampleFormatTID != 0))
	o.TID = int(bd.i32If(t&SampleFormatTID != 0))
	o.Time = bd.u64If(t&SampleFormatTime != 0)
	o.Addr = bd.u64If(t&SampleFormatAddr != 0)
	bd.u64If(t&SampleFormatID != 0)
	o.StreamID = bd.u64If(t&SampleFormatStreamID != 0)
	o.CPU = bd.u32If(t&SampleFormatCPU != 0)
	o.Res = bd.u32If(t&SampleFormatCPU != 0)
	o.Period = bd.u64If(t&SampleFormatPeriod != 0)

	if t&SampleFormatRead != 0 {
		d.parseReadFormat(bd, o.EventAttr.ReadFormat, &o.SampleRead)
	}

	if t&SampleFormatCallchain != 0 {
		callchainLen := int(bd.u64())
		o.Callchain = make([]uint64, callchainLen)
		bd.u64s(o.Callchain)
	} else {
		o.Callchain = nil
	}

	rawSize := bd.u32If(t&SampleFormatRaw != 0)
	bd.skip(int(rawSize))

	if t&SampleFormatBranchStack != 0 {
		count := int(bd.u64())
		o.BranchStack = make([]BranchRecord, count)
		for i := range o.BranchStack {
			o.BranchStack[i].From = bd.u64()
			o.BranchStack[i].To = bd.u64()
			o.BranchStack[i].Flags = bd.u64()
		}
	}

	if t&SampleFormatRegsUser != 0 {
		o.RegsABI = SampleRegsABI(bd.u64())
		count := weight(o.EventAttr.SampleRegsUser)
		o.Regs = make([]uint64, count)
		bd.u64s(o.Regs)
	}

	if t&SampleFormatStackUser != 0 {
		size := int(bd.u64())
		o.StackUser = make([]byte, size)
		bd.bytes(o.StackUser)
		o.StackUserDynSize = bd.u64()
	} else {
		o.StackUser = nil
		o.StackUserDynSize = 0
	}

	o.Weight = bd.u64If(t&SampleFormatWeight != 0)

	if t&SampleFormatDataSrc != 0 {
		o.DataSrc = decodeDataSrc(bd.u64())
	}

	transaction := bd.u64If(t&SampleFormatTransaction != 0)
	o.Transaction = Transaction(transaction & 0xffffffff)
	o.AbortCode = uint32(transaction >> 32)

	return o, nil
}
