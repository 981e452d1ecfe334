package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"assetlens-go/internal/core/models"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	boxThickness = 3
	labelPadding = 3
	jpegQuality  = 92
)

var (
	boxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	labelBg    = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Render draws the detections onto a copy of the source image and writes the
// composed image to outPath, creating any missing parent directory. Neither
// the detections slice nor the source file are mutated; with zero detections
// the output is a pixel-identical copy of the source.
func Render(srcPath string, detections []models.Detection, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0750); err != nil {
		return fmt.Errorf("failed to create overlay directory: %w", err)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source image: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to decode source image: %w", err)
	}

	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)

	face := basicfont.Face7x13
	for _, det := range detections {
		rect := image.Rect(
			int(det.BBox[0]), int(det.BBox[1]),
			int(det.BBox[2]), int(det.BBox[3]),
		).Canon()
		drawRect(canvas, rect, boxColor, boxThickness)
		drawLabel(canvas, face, rect, fmt.Sprintf("%s %.2f", det.Label, det.Confidence))
	}

	return writeImage(canvas, outPath)
}

// drawRect draws a rectangle outline of the given thickness.
func drawRect(img *image.RGBA, rect image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	for t := 0; t < thickness; t++ {
		r := rect.Inset(t)
		if r.Empty() {
			break
		}
		for x := r.Min.X; x <= r.Max.X; x++ {
			setPixel(img, bounds, x, r.Min.Y, c)
			setPixel(img, bounds, x, r.Max.Y, c)
		}
		for y := r.Min.Y; y <= r.Max.Y; y++ {
			setPixel(img, bounds, r.Min.X, y, c)
			setPixel(img, bounds, r.Max.X, y, c)
		}
	}
}

// drawLabel draws a filled label background with text just above the box,
// clamped so it stays inside the image when the box touches the top edge.
func drawLabel(img *image.RGBA, face font.Face, box image.Rectangle, text string) {
	textWidth := font.MeasureString(face, text).Ceil()
	textHeight := face.Metrics().Height.Ceil()

	y1 := box.Min.Y - textHeight - 2*labelPadding
	if y1 < 0 {
		y1 = 0
	}
	bg := image.Rect(box.Min.X, y1, box.Min.X+textWidth+2*labelPadding, y1+textHeight+2*labelPadding)
	draw.Draw(img, bg.Intersect(img.Bounds()), &image.Uniform{C: labelBg}, image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: labelColor},
		Face: face,
		Dot: fixed.P(
			bg.Min.X+labelPadding,
			bg.Min.Y+labelPadding+face.Metrics().Ascent.Ceil(),
		),
	}
	drawer.DrawString(text)
}

func setPixel(img *image.RGBA, bounds image.Rectangle, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(bounds) {
		img.SetRGBA(x, y, c)
	}
}

// writeImage encodes the canvas by output extension (.png keeps lossless,
// everything else is written as JPEG).
func writeImage(img image.Image, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create overlay file: %w", err)
	}
	defer out.Close()

	if strings.EqualFold(filepath.Ext(outPath), ".png") {
		if err := png.Encode(out, img); err != nil {
			return fmt.Errorf("failed to encode overlay: %w", err)
		}
		return nil
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return fmt.Errorf("failed to encode overlay: %w", err)
	}
	return nil
}
