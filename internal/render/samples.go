package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/ledongthuc/pdf"
)

// colorSpace describes how to interpret image samples.
type colorSpace struct {
	components int
	// palette is set for Indexed spaces; samples are palette indices.
	palette []color.RGBA
}

// decodeSamples converts the decoded sample bytes of an image XObject into
// an image. Gray, RGB, CMYK and Indexed spaces at 1, 2, 4 or 8 bits per
// component are supported, as are image masks.
func decodeSamples(x pdf.Value, data []byte, lookup func(pdf.Value) ([]byte, error)) (image.Image, error) {
	w, h := int(x.Key("Width").Int64()), int(x.Key("Height").Int64())
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", w, h)
	}

	bpc := int(x.Key("BitsPerComponent").Int64())
	cs := colorSpace{components: 1}
	if x.Key("ImageMask").Bool() {
		bpc = 1
	} else {
		var err error
		cs, err = parseColorSpace(x.Key("ColorSpace"), lookup)
		if err != nil {
			return nil, err
		}
	}
	if bpc == 0 {
		bpc = 8
	}
	switch bpc {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("unsupported bits per component %d", bpc)
	}
	if cs.components > 1 && bpc != 8 {
		return nil, fmt.Errorf("unsupported %d-bit samples with %d components", bpc, cs.components)
	}

	stride := (w*cs.components*bpc + 7) / 8
	if len(data) < stride*h {
		return nil, fmt.Errorf("image data truncated: have %d bytes, need %d", len(data), stride*h)
	}

	// A Decode array of [1 0] inverts single-component samples. Mask samples
	// of 0 paint, which the gray mapping already shows as black on white.
	invert := false
	if dec := x.Key("Decode"); dec.Kind() == pdf.Array && dec.Len() >= 2 && cs.palette == nil {
		invert = dec.Index(0).Float64() > dec.Index(1).Float64()
	}

	rect := image.Rect(0, 0, w, h)
	switch {
	case cs.palette != nil:
		img := image.NewRGBA(rect)
		maxIndex := len(cs.palette) - 1
		for y := 0; y < h; y++ {
			row := data[y*stride : (y+1)*stride]
			for xi := 0; xi < w; xi++ {
				idx := int(sample(row, xi, bpc))
				if idx > maxIndex {
					idx = maxIndex
				}
				img.SetRGBA(xi, y, cs.palette[idx])
			}
		}
		return img, nil

	case cs.components == 1:
		img := image.NewGray(rect)
		maxVal := uint32(1)<<uint(bpc) - 1
		for y := 0; y < h; y++ {
			row := data[y*stride : (y+1)*stride]
			for xi := 0; xi < w; xi++ {
				v := uint8(uint32(sample(row, xi, bpc)) * 255 / maxVal)
				if invert {
					v = 255 - v
				}
				img.Pix[y*img.Stride+xi] = v
			}
		}
		return img, nil

	case cs.components == 3:
		img := image.NewRGBA(rect)
		for y := 0; y < h; y++ {
			row := data[y*stride : (y+1)*stride]
			for xi := 0; xi < w; xi++ {
				o := y*img.Stride + xi*4
				copy(img.Pix[o:o+3], row[xi*3:xi*3+3])
				img.Pix[o+3] = 0xFF
			}
		}
		return img, nil

	case cs.components == 4:
		img := image.NewCMYK(rect)
		for y := 0; y < h; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+w*4], data[y*stride:y*stride+w*4])
		}
		return img, nil
	}
	return nil, fmt.Errorf("unsupported color space with %d components", cs.components)
}

// sample extracts the i-th sample of bpc bits from a packed row.
func sample(row []byte, i, bpc int) uint8 {
	if bpc == 8 {
		return row[i]
	}
	bit := i * bpc
	shift := 8 - bpc - bit%8
	return (row[bit/8] >> uint(shift)) & (1<<uint(bpc) - 1)
}

func parseColorSpace(v pdf.Value, lookup func(pdf.Value) ([]byte, error)) (colorSpace, error) {
	switch v.Kind() {
	case pdf.Name:
		return deviceSpace(v.Name())
	case pdf.Array:
		if v.Len() == 0 {
			break
		}
		family := v.Index(0).Name()
		switch family {
		case "ICCBased":
			n := int(v.Index(1).Key("N").Int64())
			if n == 1 || n == 3 || n == 4 {
				return colorSpace{components: n}, nil
			}
			return colorSpace{}, fmt.Errorf("unsupported ICC component count %d", n)
		case "CalGray":
			return colorSpace{components: 1}, nil
		case "CalRGB", "Lab":
			return colorSpace{components: 3}, nil
		case "Indexed", "I":
			return indexedSpace(v, lookup)
		default:
			return deviceSpace(family)
		}
	case pdf.Null:
		// Missing color space on a non-mask image; assume gray
		return colorSpace{components: 1}, nil
	}
	return colorSpace{}, fmt.Errorf("unsupported color space %v", v)
}

func deviceSpace(name string) (colorSpace, error) {
	switch name {
	case "DeviceGray", "G", "CalGray":
		return colorSpace{components: 1}, nil
	case "DeviceRGB", "RGB", "CalRGB":
		return colorSpace{components: 3}, nil
	case "DeviceCMYK", "CMYK":
		return colorSpace{components: 4}, nil
	}
	return colorSpace{}, fmt.Errorf("unsupported color space %q", name)
}

// indexedSpace parses [/Indexed base hival lookup] into an RGBA palette.
func indexedSpace(v pdf.Value, lookup func(pdf.Value) ([]byte, error)) (colorSpace, error) {
	if v.Len() < 4 {
		return colorSpace{}, fmt.Errorf("malformed Indexed color space")
	}
	base, err := parseColorSpace(v.Index(1), lookup)
	if err != nil {
		return colorSpace{}, err
	}
	if base.palette != nil {
		return colorSpace{}, fmt.Errorf("nested Indexed color space")
	}
	hival := int(v.Index(2).Int64())
	if hival < 0 || hival > 255 {
		return colorSpace{}, fmt.Errorf("invalid Indexed hival %d", hival)
	}
	table, err := lookup(v.Index(3))
	if err != nil {
		return colorSpace{}, fmt.Errorf("read Indexed lookup: %w", err)
	}

	n := base.components
	palette := make([]color.RGBA, hival+1)
	for i := range palette {
		if (i+1)*n > len(table) {
			palette = palette[:i]
			break
		}
		entry := table[i*n : (i+1)*n]
		switch n {
		case 1:
			palette[i] = color.RGBA{entry[0], entry[0], entry[0], 0xFF}
		case 3:
			palette[i] = color.RGBA{entry[0], entry[1], entry[2], 0xFF}
		case 4:
			r, g, b := color.CMYKToRGB(entry[0], entry[1], entry[2], entry[3])
			palette[i] = color.RGBA{r, g, b, 0xFF}
		}
	}
	if len(palette) == 0 {
		return colorSpace{}, fmt.Errorf("empty Indexed lookup table")
	}
	return colorSpace{components: 1, palette: palette}, nil
}
