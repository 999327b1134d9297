// Package rendertest builds small, well-formed documents for tests.
package rendertest

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
)

// Page describes one PDF page. A zero Width/Height inherits the 612x792
// MediaBox of the page tree root.
type Page struct {
	Width, Height float64
	Rotate        int
	// Gray is embedded as a FlateDecode DeviceGray image.
	Gray *image.Gray
	// JPEG is embedded verbatim as a DCTDecode image.
	JPEG []byte
}

// PDF assembles a PDF with a correct cross-reference table.
func PDF(pages ...Page) []byte {
	b := &builder{}
	catalog := b.alloc()
	root := b.alloc()

	pageNums := make([]int, len(pages))
	for i := range pages {
		pageNums[i] = b.alloc()
	}

	kids := ""
	for _, n := range pageNums {
		kids += fmt.Sprintf("%d 0 R ", n)
	}
	b.set(catalog, fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", root))
	b.set(root, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>", kids, len(pages)))

	for i, p := range pages {
		dict := fmt.Sprintf("<< /Type /Page /Parent %d 0 R", root)
		if p.Width > 0 && p.Height > 0 {
			dict += fmt.Sprintf(" /MediaBox [0 0 %g %g]", p.Width, p.Height)
		}
		if p.Rotate != 0 {
			dict += fmt.Sprintf(" /Rotate %d", p.Rotate)
		}

		var imgNum int
		switch {
		case p.Gray != nil:
			imgNum = b.alloc()
			w, h := p.Gray.Rect.Dx(), p.Gray.Rect.Dy()
			raw := make([]byte, 0, w*h)
			for y := 0; y < h; y++ {
				raw = append(raw, p.Gray.Pix[y*p.Gray.Stride:y*p.Gray.Stride+w]...)
			}
			var z bytes.Buffer
			zw := zlib.NewWriter(&z)
			_, _ = zw.Write(raw)
			_ = zw.Close()
			b.setStream(imgNum, fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceGray /BitsPerComponent 8 /Filter /FlateDecode", w, h), z.Bytes())
		case p.JPEG != nil:
			imgNum = b.alloc()
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(p.JPEG))
			if err != nil {
				panic(fmt.Sprintf("rendertest: invalid JPEG: %v", err))
			}
			b.setStream(imgNum, fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode", cfg.Width, cfg.Height), p.JPEG)
		}

		if imgNum != 0 {
			content := b.alloc()
			b.setStream(content, "", []byte("q 612 0 0 792 0 0 cm /Im0 Do Q"))
			dict += fmt.Sprintf(" /Resources << /XObject << /Im0 %d 0 R >> >> /Contents %d 0 R", imgNum, content)
		}
		b.set(pageNums[i], dict+" >>")
	}
	return b.bytes(catalog)
}

type builder struct {
	objs [][]byte
}

func (b *builder) alloc() int {
	b.objs = append(b.objs, nil)
	return len(b.objs)
}

func (b *builder) set(num int, body string) {
	b.objs[num-1] = []byte(body)
}

func (b *builder) setStream(num int, dict string, data []byte) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<< %s /Length %d >>\nstream\n", dict, len(data))
	buf.Write(data)
	buf.WriteString("\nendstream")
	b.objs[num-1] = buf.Bytes()
}

func (b *builder) bytes(root int) []byte {
	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n%\xE2\xE3\xCF\xD3\n")
	offsets := make([]int, len(b.objs))
	for i, body := range b.objs {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n", i+1)
		out.Write(body)
		out.WriteString("\nendobj\n")
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", len(b.objs)+1)
	out.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%EOF\n", len(b.objs)+1, root, xref)
	return out.Bytes()
}

// GrayGradient returns a w x h grayscale image with a horizontal gradient.
func GrayGradient(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = uint8(x * 255 / max(w-1, 1))
		}
	}
	return img
}

// SolidJPEG returns a JPEG of the given size filled with c.
func SolidJPEG(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// SolidPNG returns a PNG of the given size filled with c.
func SolidPNG(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ScannedPDF returns an n-page PDF of gray gradient pages of w x h pixels.
func ScannedPDF(n, w, h int) []byte {
	pages := make([]Page, n)
	for i := range pages {
		pages[i] = Page{Gray: GrayGradient(w, h)}
	}
	return PDF(pages...)
}
