package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	// Registered decoders for uploaded page images.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// imageSource is a single-page upload. It is decoded once and re-encoded as
// PNG so every page reaches the OCR model in the same format.
type imageSource struct {
	png []byte
}

func openImage(data []byte, opts Options) (Source, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrUnreadable, err)
	}
	out, err := encodePNG(fit(img, opts.MaxSide))
	if err != nil {
		return nil, fmt.Errorf("re-encode %s: %w", format, err)
	}
	return &imageSource{png: out}, nil
}

func (s *imageSource) PageCount() int { return 1 }

func (s *imageSource) Render(_ context.Context, page int) ([]byte, error) {
	if page != 1 {
		return nil, fmt.Errorf("page %d out of range 1-1", page)
	}
	return s.png, nil
}

func (s *imageSource) Close() error { return nil }

// fit scales img down so neither side exceeds maxSide.
func fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}
	nw, nh := maxSide, maxSide
	if w >= h {
		nh = max(1, h*maxSide/w)
	} else {
		nw = max(1, w*maxSide/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// fitPNG leaves PNG data untouched unless it is larger than maxSide.
func fitPNG(data []byte, maxSide int) ([]byte, error) {
	if maxSide <= 0 {
		return data, nil
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png header: %w", err)
	}
	if cfg.Width <= maxSide && cfg.Height <= maxSide {
		return data, nil
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	return encodePNG(fit(img, maxSide))
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
