// Package cpio reads the POSIX "new ASCII" cpio archive format the
// service initrd is packed in (spec §6 Service archive), directly over
// the in-memory bytes the firmware handover record points at — never
// through an os.File, since no filesystem exists this early in boot.
package cpio

import "github.com/irgordon/kozo/internal/kerrors"

const magic = "070701"
const headerSize = 110 // 6-byte magic + 13 8-char hex fields
const trailerName = "TRAILER!!!"

// Entry describes one archive member: its name and the byte range of
// its data within the archive (spec §6: "name and data are 4-byte
// padded").
type Entry struct {
	Name string
	Data []byte
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func hex8(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		}
	}
	return v
}

// Each iterates every archive member in order, stopping at the
// TRAILER!!! entry (spec §6: "the terminating TRAILER!!! entry ends
// iteration"). fn is called once per real entry; it returns false to
// stop early. Each Entry's Data aliases the archive bytes directly;
// its Name is a copied string.
func Each(archive []byte, fn func(Entry) bool) kerrors.Kind {
	off := 0
	for {
		if off+headerSize > len(archive) {
			return kerrors.Invalid
		}
		hdr := archive[off : off+headerSize]
		if string(hdr[0:6]) != magic {
			return kerrors.Invalid
		}

		nameSize := int(hex8(hdr[94:102]))
		fileSize := int(hex8(hdr[54:62]))

		nameStart := off + headerSize
		if nameStart+nameSize > len(archive) {
			return kerrors.Invalid
		}
		name := string(archive[nameStart : nameStart+nameSize-1]) // drop the trailing NUL

		dataStart := align4(nameStart + nameSize)
		dataEnd := dataStart + fileSize
		if dataEnd > len(archive) {
			return kerrors.Invalid
		}

		if name == trailerName {
			return kerrors.OK
		}

		if !fn(Entry{Name: name, Data: archive[dataStart:dataEnd]}) {
			return kerrors.OK
		}

		off = align4(dataEnd)
	}
}

// Find returns the named entry's data, or ok=false if absent.
func Find(archive []byte, name string) (data []byte, ok bool) {
	Each(archive, func(e Entry) bool {
		if e.Name == name {
			data, ok = e.Data, true
			return false
		}
		return true
	})
	return
}
