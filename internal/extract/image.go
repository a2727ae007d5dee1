package extract

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"os"

	"golang.org/x/image/draw"
)

// MaxVisionEdge is the longest edge sent to the vision model. Larger images
// cost more tokens without improving legibility.
const MaxVisionEdge = 1568

var visionMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

func loadImage(path string) ([]byte, image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read document: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, nil, fmt.Errorf("decode document: %w", err)
	}
	return data, img, nil
}

// visionInput keeps the original bytes when they are already small and in a
// format the model accepts. Otherwise it scales and re-encodes as JPEG.
func visionInput(path string, data []byte, img image.Image, maxEdge int) (ImageInput, error) {
	mediaType := http.DetectContentType(data)
	b := img.Bounds()
	long := max(b.Dx(), b.Dy())
	if visionMediaTypes[mediaType] && long <= maxEdge {
		return ImageInput{Data: data, MediaType: mediaType, Path: path}, nil
	}

	src := img
	if long > maxEdge {
		scale := float64(maxEdge) / float64(long)
		w := max(1, int(float64(b.Dx())*scale))
		h := max(1, int(float64(b.Dy())*scale))
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		src = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 90}); err != nil {
		return ImageInput{}, fmt.Errorf("encode vision image: %w", err)
	}
	return ImageInput{Data: buf.Bytes(), MediaType: "image/jpeg", Path: path}, nil
}
