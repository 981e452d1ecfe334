package detect

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"
)

// letterboxFill is the neutral padding color used by YOLO-style preprocessing.
var letterboxFill = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Letterboxed holds the padded canvas together with everything needed to map
// model-space coordinates back into original-image pixel space.
type Letterboxed struct {
	Canvas *image.RGBA
	Scale  float64
	PadX   int
	PadY   int
	OrigW  int
	OrigH  int
}

// Letterbox resizes img preserving its aspect ratio and centers it on a
// targetSize x targetSize canvas filled with a neutral gray. The canvas is
// always exactly targetSize square regardless of the input aspect ratio.
func Letterbox(img image.Image, targetSize int) Letterboxed {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	maxDim := w
	if h > maxDim {
		maxDim = h
	}
	scale := float64(targetSize) / float64(maxDim)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)

	resized := resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)

	canvas := image.NewRGBA(image.Rect(0, 0, targetSize, targetSize))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: letterboxFill}, image.Point{}, draw.Src)

	padX := (targetSize - nw) / 2
	padY := (targetSize - nh) / 2
	target := image.Rect(padX, padY, padX+nw, padY+nh)
	draw.Draw(canvas, target, resized, resized.Bounds().Min, draw.Src)

	return Letterboxed{
		Canvas: canvas,
		Scale:  scale,
		PadX:   padX,
		PadY:   padY,
		OrigW:  w,
		OrigH:  h,
	}
}

// InputTensor converts the letterboxed canvas into a normalized CHW float32
// tensor (1x3xSxS layout, flattened) suitable for the inference engine.
func InputTensor(canvas *image.RGBA) []float32 {
	size := canvas.Bounds().Dx()
	channelSize := size * size
	data := make([]float32, 3*channelSize)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := canvas.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return data
}
