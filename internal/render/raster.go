package render

import (
	"bytes"
	"image"
	"sync"

	"github.com/disintegration/imaging"

	"docpipe/internal/core"
)

// rasterDocument is a single-page image document.
type rasterDocument struct {
	data []byte

	once sync.Once
	img  image.Image
	err  error
}

func decodeRaster(data []byte, format string) (*core.Descriptor, error) {
	doc := &rasterDocument{data: data}
	img, err := doc.decoded()
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &core.Descriptor{
		Format:    format,
		PageCount: 1,
		Pages:     []core.PageInfo{{Index: 0, Width: b.Dx(), Height: b.Dy()}},
		Source:    doc,
	}, nil
}

// decoded decodes the image once, honoring EXIF orientation.
func (d *rasterDocument) decoded() (image.Image, error) {
	d.once.Do(func() {
		d.img, d.err = imaging.Decode(bytes.NewReader(d.data), imaging.AutoOrientation(true))
		if d.err != nil {
			d.err = core.NewDecodeError("", "failed to decode image", d.err)
		}
	})
	return d.img, d.err
}

func (d *rasterDocument) pageImage(int, int) (image.Image, error) {
	return d.decoded()
}
