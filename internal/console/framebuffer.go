package console

import (
	"image/color"
	"unsafe"

	"github.com/fogleman/gg"
)

// Framebuffer describes the linear framebuffer the handover record
// hands the kernel (spec §6 Handover record: fb_base/fb_size/width/
// height/pitch). Rendering text into it is not on spec.md's numbered
// operation surface — it exists only for the boot banner and the
// kernel-mode panic screen (SPEC_FULL.md §4.9/Supplemented Features),
// the one place this kernel reaches for a third-party dependency
// (github.com/fogleman/gg, carried over from the teacher's
// mazboot/golang framebuffer_text.go / gg_circle_qemu.go) rather than
// hand-rolling a bitmap font.
type Framebuffer struct {
	base   uintptr
	width  int
	height int
	pitch  int // bytes per scanline
}

// NewFramebuffer wraps the handover record's framebuffer description.
func NewFramebuffer(base uintptr, width, height, pitch int) Framebuffer {
	return Framebuffer{base: base, width: width, height: height, pitch: pitch}
}

// DrawBanner rasterizes title/subtitle with gg and blits the result into
// the physical framebuffer as 32-bit BGRX, the pixel format QEMU's
// bochs-display and virtio-gpu both expose (matching the teacher's
// ramfb_qemu.go framebuffer assumptions).
func (fb Framebuffer) DrawBanner(title, subtitle string) {
	if fb.base == 0 || fb.width <= 0 || fb.height <= 0 {
		return
	}
	dc := gg.NewContext(fb.width, fb.height)
	dc.SetColor(color.Black)
	dc.Clear()
	dc.SetColor(color.RGBA{R: 0x20, G: 0xC0, B: 0x80, A: 0xFF})
	dc.DrawString(title, 16, 32)
	dc.SetColor(color.White)
	dc.DrawString(subtitle, 16, 56)

	img := dc.Image()
	dst := (*[1 << 30]byte)(unsafe.Pointer(fb.base))
	for y := 0; y < fb.height; y++ {
		rowOff := y * fb.pitch
		for x := 0; x < fb.width; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			off := rowOff + x*4
			dst[off+0] = byte(b >> 8)
			dst[off+1] = byte(g >> 8)
			dst[off+2] = byte(r >> 8)
			dst[off+3] = 0
		}
	}
}
