// Package console provides the kernel's only form of logging: direct
// writes to the 16550 UART at COM1, in the teacher's uartPuts/
// uartPutHex64Direct style — no fmt, no allocation, safe to call from a
// //go:nosplit interrupt path. It backs DebugPutchar (syscall 99) and
// every other diagnostic the kernel prints.
package console

import "github.com/irgordon/kozo/internal/arch/x86_64"

const (
	com1Base = 0x3F8

	regData  = com1Base + 0
	regIER   = com1Base + 1
	regFIFO  = com1Base + 2
	regLCR   = com1Base + 3
	regMCR   = com1Base + 4
	regLSR   = com1Base + 5

	lsrTransmitEmpty = 1 << 5
)

// Init programs the UART for 115200 8N1, matching the teacher's
// uartInit sequence of disable-configure-enable.
//
//go:nosplit
func Init() {
	x86_64.Outb(regIER, 0x00)       // disable interrupts
	x86_64.Outb(regLCR, 0x80)       // enable DLAB
	x86_64.Outb(regData, 0x01)      // divisor low byte: 115200 baud
	x86_64.Outb(regIER, 0x00)       // divisor high byte
	x86_64.Outb(regLCR, 0x03)       // 8N1, DLAB off
	x86_64.Outb(regFIFO, 0xC7)      // enable FIFO, clear, 14-byte threshold
	x86_64.Outb(regMCR, 0x0B)       // DTR/RTS/OUT2 set
}

//go:nosplit
func writeByte(b byte) {
	for x86_64.Inb(regLSR)&lsrTransmitEmpty == 0 {
	}
	x86_64.Outb(regData, b)
	if b == '\n' {
		writeByte('\r')
	}
}

// Putchar writes a single byte, the primitive behind DebugPutchar.
//
//go:nosplit
func Putchar(b byte) {
	writeByte(b)
}

// Puts writes a string byte by byte; never allocates.
//
//go:nosplit
func Puts(s string) {
	for i := 0; i < len(s); i++ {
		writeByte(s[i])
	}
}

var hexDigits = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

// PutHex64 writes v as 16 zero-padded hex digits prefixed with "0x".
//
//go:nosplit
func PutHex64(v uint64) {
	Puts("0x")
	for shift := 60; shift >= 0; shift -= 4 {
		writeByte(hexDigits[(v>>uint(shift))&0xF])
	}
}

// PutDec writes v in decimal with no leading zeros (0 prints as "0").
//
//go:nosplit
func PutDec(v uint64) {
	if v == 0 {
		writeByte('0')
		return
	}
	var buf [20]byte
	n := 0
	for v > 0 {
		buf[n] = hexDigits[v%10]
		v /= 10
		n++
	}
	for n > 0 {
		n--
		writeByte(buf[n])
	}
}
