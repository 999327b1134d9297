package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"

	"docpipe/internal/core"
)

// Letter size in points, used when a page has no usable MediaBox.
const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
	// pointsToPixels renders placeholder pages at roughly 144 dpi.
	pointsToPixels = 2.0
)

// pdfPage is the geometry and primary image of one page.
type pdfPage struct {
	width, height float64 // MediaBox size in points, before rotation
	rotate        int     // clockwise degrees: 0, 90, 180 or 270
	image         pdf.Value
	hasImage      bool
	imgW, imgH    int
	filter        string
}

// pdfDocument renders scanned PDFs by extracting each page's largest image
// XObject. Pages without one render as a blank sheet of the page's aspect.
type pdfDocument struct {
	data   []byte
	logger *slog.Logger
	pages  []pdfPage

	// Guards every access to parser values; the parser is not safe for
	// concurrent use.
	mu sync.Mutex

	jpegOnce sync.Once
	jpegs    map[int][]byte // page index -> raw DCT stream found in the file
}

func isPDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("%PDF-"))
}

// decodePDF parses the page tree. Parser panics on malformed input are
// converted into decode errors.
func decodePDF(data []byte, logger *slog.Logger) (desc *core.Descriptor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			desc = nil
			err = core.NewDecodeError("", "malformed PDF", fmt.Errorf("%v", rec))
		}
	}()

	// Tolerate leading garbage before the header
	start := bytes.Index(data, []byte("%PDF-"))
	data = data[start:]

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, core.NewDecodeError("", "failed to open PDF", err)
	}

	n := reader.NumPage()
	if n <= 0 {
		return nil, core.NewDecodeError("", "PDF has no pages", nil)
	}

	doc := &pdfDocument{data: data, logger: logger, pages: make([]pdfPage, n)}
	infos := make([]core.PageInfo, n)
	for i := 0; i < n; i++ {
		page := reader.Page(i + 1)
		if page.V.IsNull() {
			return nil, core.NewDecodeError("", fmt.Sprintf("PDF page %d is missing", i+1), nil)
		}
		p := inspectPage(page.V)
		doc.pages[i] = p

		w, h := p.pixelSize()
		infos[i] = core.PageInfo{Index: i, Width: w, Height: h}
	}

	return &core.Descriptor{
		Format:    "pdf",
		PageCount: n,
		Pages:     infos,
		Source:    doc,
	}, nil
}

func inspectPage(v pdf.Value) pdfPage {
	p := pdfPage{width: defaultPageWidth, height: defaultPageHeight}

	if box := inherited(v, "MediaBox"); box.Kind() == pdf.Array && box.Len() == 4 {
		w := math.Abs(box.Index(2).Float64() - box.Index(0).Float64())
		h := math.Abs(box.Index(3).Float64() - box.Index(1).Float64())
		if w > 0 && h > 0 {
			p.width, p.height = w, h
		}
	}

	rot := int(inherited(v, "Rotate").Int64()) % 360
	if rot < 0 {
		rot += 360
	}
	if rot%90 == 0 {
		p.rotate = rot
	}

	xobjects := inherited(v, "Resources").Key("XObject")
	best := 0
	for _, name := range xobjects.Keys() {
		x := xobjects.Key(name)
		if x.Key("Subtype").Name() != "Image" {
			continue
		}
		w, h := int(x.Key("Width").Int64()), int(x.Key("Height").Int64())
		if w <= 0 || h <= 0 || w*h <= best {
			continue
		}
		best = w * h
		p.image, p.hasImage = x, true
		p.imgW, p.imgH = w, h
		p.filter = filterName(x.Key("Filter"))
	}
	return p
}

// inherited looks key up on the page and then its ancestors in the page tree.
func inherited(v pdf.Value, key string) pdf.Value {
	for depth := 0; depth < 32 && !v.IsNull(); depth++ {
		if val := v.Key(key); !val.IsNull() {
			return val
		}
		v = v.Key("Parent")
	}
	return pdf.Value{}
}

// filterName returns the last filter applied to a stream, which determines
// the encoding of the decoded bytes.
func filterName(f pdf.Value) string {
	switch f.Kind() {
	case pdf.Name:
		return f.Name()
	case pdf.Array:
		if f.Len() > 0 {
			return f.Index(f.Len() - 1).Name()
		}
	}
	return ""
}

// pixelSize is the upright size of the page's native raster, or of the
// MediaBox scaled to pixels when the page has no image.
func (p pdfPage) pixelSize() (int, int) {
	w, h := p.imgW, p.imgH
	if !p.hasImage {
		w = int(math.Round(p.width * pointsToPixels))
		h = int(math.Round(p.height * pointsToPixels))
	}
	if p.rotate == 90 || p.rotate == 270 {
		w, h = h, w
	}
	return w, h
}

func (d *pdfDocument) pageImage(index, maxWidth int) (image.Image, error) {
	p := d.pages[index]

	var img image.Image
	if p.hasImage {
		decoded, err := d.decodePageImage(index, p)
		if err != nil {
			d.logger.Warn("page image could not be decoded, rendering placeholder",
				"page", index, "filter", p.filter, "error", err)
		} else {
			img = decoded
		}
	}
	if img == nil {
		img = blankPage(p, maxWidth)
	}

	switch p.rotate {
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	}
	return img, nil
}

// blankPage returns a white sheet with the page's aspect ratio, before rotation.
func blankPage(p pdfPage, maxWidth int) image.Image {
	w := int(math.Round(p.width * pointsToPixels))
	if w > maxWidth {
		w = maxWidth
	}
	if w < 1 {
		w = 1
	}
	h := int(math.Round(float64(w) * p.height / p.width))
	if h < 1 {
		h = 1
	}
	return imaging.New(w, h, color.White)
}

func (d *pdfDocument) decodePageImage(index int, p pdfPage) (img image.Image, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			img, err = nil, fmt.Errorf("malformed image object: %v", rec)
		}
	}()

	if p.filter == "DCTDecode" {
		if data, err := d.streamBytes(p.image); err == nil && isJPEG(data) {
			return decodeJPEG(data)
		}
		if data := d.rawJPEG(index); data != nil {
			return decodeJPEG(data)
		}
		return nil, fmt.Errorf("DCT stream for page %d not found", index)
	}

	data, err := d.streamBytes(p.image)
	if err != nil {
		return nil, err
	}
	return decodeSamples(p.image, data, d.lookupBytes)
}

// streamBytes reads a stream with its filters applied. The parser panics on
// filters it does not implement. Callers hold d.mu.
func (d *pdfDocument) streamBytes(v pdf.Value) (data []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			data, err = nil, fmt.Errorf("stream not decodable: %v", rec)
		}
	}()

	rc := v.Reader()
	defer rc.Close()
	return io.ReadAll(rc)
}

// lookupBytes returns the bytes of an Indexed color space lookup table,
// which may be a string or a stream.
func (d *pdfDocument) lookupBytes(v pdf.Value) ([]byte, error) {
	if v.Kind() == pdf.String {
		return []byte(v.RawString()), nil
	}
	return d.streamBytes(v)
}

func decodeJPEG(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data))
}

func isJPEG(data []byte) bool {
	return len(data) > 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}

// rawJPEG returns the DCT stream for page index found by scanning the file.
// Streams are matched to pages by image dimensions, in page order.
func (d *pdfDocument) rawJPEG(index int) []byte {
	d.jpegOnce.Do(func() {
		found := scanJPEGStreams(d.data)
		used := make([]bool, len(found))
		d.jpegs = make(map[int][]byte)
		for i, p := range d.pages {
			if !p.hasImage || p.filter != "DCTDecode" {
				continue
			}
			for j, s := range found {
				if !used[j] && s.width == p.imgW && s.height == p.imgH {
					used[j] = true
					d.jpegs[i] = s.data
					break
				}
			}
		}
	})
	return d.jpegs[index]
}
