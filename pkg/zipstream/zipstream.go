// Package zipstream writes ZIP archives to non-seekable outputs.
//
// Every local file header declares its sizes unknown (general purpose
// bit 3), the file data follows, and a data descriptor trailer carries
// the CRC-32 and sizes once they are known. The central directory is
// emitted at the end. Entries are store-only; nothing is compressed.
//
// ZIP64 is adopted per entry when the write offset has passed 4 GiB,
// when the caller declares an entry may grow past 4 GiB, or when an
// entry in fact does; the archive-level ZIP64 end-of-central-directory
// record is emitted whenever any entry is ZIP64 or the entry count
// exceeds 65535.
//
// Record layout reference: https://en.wikipedia.org/wiki/ZIP_(file_format)
package zipstream

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"time"
)

const (
	localHeaderSignature     = "PK\x03\x04"
	centralHeaderSignature   = "PK\x01\x02"
	dataDescriptorSignature  = "PK\x07\x08"
	eocdSignature            = "PK\x05\x06"
	eocd64Signature          = "PK\x06\x06"
	eocd64LocatorSignature   = "PK\x06\x07"
	versionZip64             = 45 // 4.5
	versionDefault           = 10 // 1.0
	flagDataDescriptor       = 0b0000_1000
	zip64ExtraFieldHeader    = 1
	zip64ExtraFieldDataSize  = 24
	zip64ExtraFieldTotalSize = 28
)

var errNoOpenFile = errors.New("zipstream: no file is open")

// dataDescriptor carries the deferred CRC and sizes of one entry.
type dataDescriptor struct {
	crc              uint32
	compressedSize   uint64
	uncompressedSize uint64
}

// fileHeader is the per-entry state shared by the local header, the
// trailing descriptor and the central directory record.
type fileHeader struct {
	name        []byte
	modTime     time.Time
	descriptor  dataDescriptor
	headerStart uint64
	isZip64     bool
	finished    bool
}

// Archive streams a ZIP file to w.
type Archive struct {
	w       io.Writer
	files   []*fileHeader
	written uint64

	crc         uint32
	currentSize uint64
	fileOpen    bool
}

// NewArchive wraps w. The caller keeps ownership of w and may keep
// writing to it after Finalize.
func NewArchive(w io.Writer) *Archive {
	return &Archive{w: w}
}

// StartFile begins a new entry. zip64Hint declares that the entry may
// grow past 4 GiB so the local header can be shaped accordingly; the
// entry also becomes ZIP64 when the archive offset already requires it.
func (a *Archive) StartFile(name string, modTime time.Time, zip64Hint bool) error {
	if a.fileOpen {
		return errors.New("zipstream: previous file not finished")
	}

	f := &fileHeader{
		name:        []byte(name),
		modTime:     modTime,
		headerStart: a.written,
		isZip64:     zip64Hint || a.written > uint32Max,
	}

	n, err := a.writeFileHeader(f, false)
	if err != nil {
		return err
	}
	a.written += n
	a.files = append(a.files, f)
	a.crc = 0
	a.currentSize = 0
	a.fileOpen = true
	return nil
}

// Append adds content to the open entry.
func (a *Archive) Append(content []byte) error {
	if !a.fileOpen {
		return errNoOpenFile
	}
	if _, err := a.w.Write(content); err != nil {
		return err
	}
	a.crc = crc32.Update(a.crc, crc32.IEEETable, content)
	a.currentSize += uint64(len(content))
	a.written += uint64(len(content))
	return nil
}

// FinishFile closes the open entry by writing its data descriptor.
func (a *Archive) FinishFile() error {
	if !a.fileOpen {
		return errNoOpenFile
	}
	f := a.files[len(a.files)-1]
	f.descriptor = dataDescriptor{
		crc:              a.crc,
		compressedSize:   a.currentSize,
		uncompressedSize: a.currentSize,
	}
	// An entry that outgrew 4 GiB is promoted so the descriptor and
	// central record carry full-width sizes.
	if a.currentSize > uint32Max {
		f.isZip64 = true
	}

	n, err := a.writeDataDescriptor(&f.descriptor, true, f.isZip64, false)
	if err != nil {
		return err
	}
	a.written += n
	f.finished = true
	a.fileOpen = false
	return nil
}

// Finalize writes the central directory and end records. The open file,
// if any, must have been finished.
func (a *Archive) Finalize() error {
	if a.fileOpen {
		return errors.New("zipstream: current file not finished")
	}

	isZip64 := len(a.files) > uint16Max
	centralStart := a.written
	for _, f := range a.files {
		n, err := a.writeFileHeader(f, true)
		if err != nil {
			return err
		}
		a.written += n
		if f.isZip64 {
			isZip64 = true
		}
	}
	centralSize := a.written - centralStart

	if isZip64 {
		return a.writeEOCD64(centralStart, centralSize)
	}
	return a.writeEOCD(centralStart, centralSize)
}

const (
	uint16Max = 0xFFFF
	uint32Max = 0xFFFF_FFFF
)

// dosTime encodes a timestamp the way DOS directory entries do:
// two-second resolution, years relative to 1980.
func dosTime(t time.Time) (timePart, datePart uint16) {
	timePart = uint16(t.Second())>>1 | uint16(t.Minute())<<5 | uint16(t.Hour())<<11
	datePart = uint16(t.Day()) | uint16(t.Month())<<5 | uint16(t.Year()-1980)<<9
	return timePart, datePart
}

type fieldWriter struct {
	w   io.Writer
	n   uint64
	err error
}

func (fw *fieldWriter) bytes(b []byte) {
	if fw.err != nil {
		return
	}
	var n int
	n, fw.err = fw.w.Write(b)
	fw.n += uint64(n)
}

func (fw *fieldWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	fw.bytes(b[:])
}

func (fw *fieldWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	fw.bytes(b[:])
}

func (fw *fieldWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	fw.bytes(b[:])
}

// writeDataDescriptor writes a descriptor record. u64Fields selects
// 8-byte sizes (the trailing descriptor of a ZIP64 entry); maskSizes
// writes the 0xFFFFFFFF placeholders a ZIP64 local header carries.
func (a *Archive) writeDataDescriptor(d *dataDescriptor, withSignature, u64Fields, maskSizes bool) (uint64, error) {
	fw := &fieldWriter{w: a.w}
	if withSignature {
		fw.bytes([]byte(dataDescriptorSignature))
	}
	fw.u32(d.crc)
	switch {
	case u64Fields:
		fw.u64(d.compressedSize)
		fw.u64(d.uncompressedSize)
	case maskSizes:
		fw.u32(uint32Max)
		fw.u32(uint32Max)
	default:
		fw.u32(uint32(d.compressedSize))
		fw.u32(uint32(d.uncompressedSize))
	}
	return fw.n, fw.err
}

func (a *Archive) writeFileHeader(f *fileHeader, isCentral bool) (uint64, error) {
	fw := &fieldWriter{w: a.w}

	version := uint16(versionDefault)
	if f.isZip64 {
		version = versionZip64
	}

	if isCentral {
		fw.bytes([]byte(centralHeaderSignature))
		fw.u16(version) // version made by
	} else {
		fw.bytes([]byte(localHeaderSignature))
	}
	fw.u16(version)            // version needed to extract
	fw.u16(flagDataDescriptor) // general purpose bit flag
	fw.u16(0)                  // compression method: store

	timePart, datePart := dosTime(f.modTime)
	fw.u16(timePart)
	fw.u16(datePart)

	if fw.err != nil {
		return fw.n, fw.err
	}
	// CRC and sizes: deferred to the descriptor in the local header
	// (zeros, with masked sizes for ZIP64 entries), real or masked
	// values in the central record.
	n, err := a.writeDataDescriptor(&f.descriptor, false, false, f.isZip64)
	fw.n += n
	if err != nil {
		return fw.n, err
	}

	fw.u16(uint16(len(f.name)))
	if f.isZip64 {
		fw.u16(zip64ExtraFieldTotalSize)
	} else {
		fw.u16(0)
	}

	if isCentral {
		fw.u16(0) // file comment length
		fw.u16(0) // disk number start
		fw.u16(0) // internal attributes
		fw.u32(0) // external attributes
		if f.isZip64 {
			fw.u32(uint32Max)
		} else {
			fw.u32(uint32(f.headerStart))
		}
	}

	fw.bytes(f.name)

	if f.isZip64 {
		fw.u16(zip64ExtraFieldHeader)
		fw.u16(zip64ExtraFieldDataSize)
		fw.u64(f.descriptor.uncompressedSize)
		fw.u64(f.descriptor.compressedSize)
		fw.u64(f.headerStart)
	}

	return fw.n, fw.err
}

func (a *Archive) writeEOCD(centralStart, centralSize uint64) error {
	fw := &fieldWriter{w: a.w}
	fw.bytes([]byte(eocdSignature))
	fw.u16(0)                    // number of this disk
	fw.u16(0)                    // disk with central directory
	fw.u16(uint16(len(a.files))) // records on this disk
	fw.u16(uint16(len(a.files))) // total records
	fw.u32(uint32(centralSize))
	fw.u32(uint32(centralStart))
	fw.u16(0) // comment length
	return fw.err
}

func (a *Archive) writeEOCD64(centralStart, centralSize uint64) error {
	eocd64Start := a.written

	fw := &fieldWriter{w: a.w}
	fw.bytes([]byte(eocd64Signature))
	fw.u64(44) // size of this record minus the first 12 bytes
	fw.u16(versionZip64)
	fw.u16(versionZip64)
	fw.u32(0) // number of this disk
	fw.u32(0) // disk with central directory
	fw.u64(uint64(len(a.files)))
	fw.u64(uint64(len(a.files)))
	fw.u64(centralSize)
	fw.u64(centralStart)

	fw.bytes([]byte(eocd64LocatorSignature))
	fw.u32(0) // disk with the EOCD64 record
	fw.u64(eocd64Start)
	fw.u32(1) // total disks

	fw.bytes([]byte(eocdSignature))
	fw.u16(uint16Max)
	fw.u16(uint16Max)
	if len(a.files) > uint16Max {
		fw.u16(uint16Max)
		fw.u16(uint16Max)
	} else {
		fw.u16(uint16(len(a.files)))
		fw.u16(uint16(len(a.files)))
	}
	fw.u32(uint32Max)
	fw.u32(uint32Max)
	fw.u16(0) // comment length
	return fw.err
}
