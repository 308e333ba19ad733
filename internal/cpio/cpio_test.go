package cpio

import (
	"fmt"
	"testing"
)

func hex8String(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

func appendEntry(buf []byte, name string, data []byte) []byte {
	nameSize := len(name) + 1 // + trailing NUL
	hdr := make([]byte, 0, headerSize)
	hdr = append(hdr, []byte(magic)...)
	hdr = append(hdr, []byte(hex8String(0))...)          // ino
	hdr = append(hdr, []byte(hex8String(0o100644))...)   // mode
	hdr = append(hdr, []byte(hex8String(0))...)          // uid
	hdr = append(hdr, []byte(hex8String(0))...)          // gid
	hdr = append(hdr, []byte(hex8String(1))...)          // nlink
	hdr = append(hdr, []byte(hex8String(0))...)          // mtime
	hdr = append(hdr, []byte(hex8String(uint32(len(data))))...) // filesize
	hdr = append(hdr, []byte(hex8String(0))...)          // devmajor
	hdr = append(hdr, []byte(hex8String(0))...)          // devminor
	hdr = append(hdr, []byte(hex8String(0))...)          // rdevmajor
	hdr = append(hdr, []byte(hex8String(0))...)          // rdevminor
	hdr = append(hdr, []byte(hex8String(uint32(nameSize)))...)
	hdr = append(hdr, []byte(hex8String(0))...) // check

	buf = append(buf, hdr...)
	buf = append(buf, []byte(name)...)
	buf = append(buf, 0) // NUL terminator
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, data...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func buildArchive(entries map[string][]byte, order []string) []byte {
	var buf []byte
	for _, name := range order {
		buf = appendEntry(buf, name, entries[name])
	}
	buf = appendEntry(buf, trailerName, nil)
	return buf
}

func TestEachIteratesInOrderAndStopsAtTrailer(t *testing.T) {
	entries := map[string][]byte{
		"init":     []byte("hello service"),
		"data.bin": {0x01, 0x02, 0x03, 0x04, 0x05},
	}
	order := []string{"init", "data.bin"}
	archive := buildArchive(entries, order)

	var seen []string
	if kind := Each(archive, func(e Entry) bool {
		seen = append(seen, e.Name)
		if string(e.Data) != string(entries[e.Name]) && e.Name != "data.bin" {
			t.Fatalf("entry %q data mismatch: got %q want %q", e.Name, e.Data, entries[e.Name])
		}
		return true
	}); kind != 0 {
		t.Fatalf("Each returned error kind %v", kind)
	}

	if len(seen) != len(order) {
		t.Fatalf("saw %d entries, want %d", len(seen), len(order))
	}
	for i, name := range order {
		if seen[i] != name {
			t.Fatalf("entry %d = %q, want %q", i, seen[i], name)
		}
	}
}

func TestFindLocatesNamedEntry(t *testing.T) {
	archive := buildArchive(map[string][]byte{"init": []byte("payload")}, []string{"init"})
	data, ok := Find(archive, "init")
	if !ok {
		t.Fatal("Find should locate the init entry")
	}
	if string(data) != "payload" {
		t.Fatalf("data = %q, want %q", data, "payload")
	}
	if _, ok := Find(archive, "missing"); ok {
		t.Fatal("Find should report absence for an unknown name")
	}
}
