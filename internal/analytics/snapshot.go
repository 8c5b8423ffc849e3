package analytics

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"trafficmon/internal/detection"
)

// Crop encodes the region around box, padded by pad pixels and clamped to
// the frame, as a JPEG data URI. It returns nil for an empty region.
func Crop(img image.Image, box detection.BBox, pad, quality int) *Snapshot {
	b := img.Bounds()
	r := image.Rect(
		int(box.X1)-pad, int(box.Y1)-pad,
		int(box.X2)+pad, int(box.Y2)+pad,
	).Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)

	data, err := EncodeJPEG(dst, quality)
	if err != nil {
		return nil
	}
	return &Snapshot{
		Mime: "image/jpeg",
		Data: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
	}
}

// EncodeJPEG encodes img at the given quality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes a captured frame
func DecodeJPEG(data []byte) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(data))
}

// Resize scales img down to width, keeping the aspect ratio. Narrower
// images are returned unchanged.
func Resize(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || b.Dx() <= width {
		return img
	}
	height := b.Dy() * width / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
