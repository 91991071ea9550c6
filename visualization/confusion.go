package visualization

import (
	"fmt"
	"image"
	"image/color"
	"strconv"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	confusionCell = 100
	confusionPad  = 60
)

// SaveConfusionMatrix2x2 draws a binary confusion matrix with rows as true
// labels and columns as predictions.
func SaveConfusionMatrix2x2(matrix [2][2]int, labels [2]string, outFile string) error {
	size := 2*confusionCell + 2*confusionPad
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	var total int
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			total += matrix[r][c]
		}
	}

	// Cell shading grows with the share of samples
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			shade := uint8(255)
			if total > 0 {
				shade = uint8(255 - 120*matrix[r][c]/total)
			}
			cell := image.Rect(
				confusionPad+c*confusionCell, confusionPad+r*confusionCell,
				confusionPad+(c+1)*confusionCell, confusionPad+(r+1)*confusionCell,
			)
			draw.Draw(img, cell, image.NewUniform(color.RGBA{shade, shade, 255, 255}), image.Point{}, draw.Src)
		}
	}

	grid := color.RGBA{128, 128, 128, 255}
	for i := 0; i <= 2; i++ {
		offset := confusionPad + i*confusionCell
		hline(img, confusionPad, confusionPad+2*confusionCell, offset, grid)
		vline(img, offset, confusionPad, confusionPad+2*confusionCell, grid)
	}

	d := &font.Drawer{Dst: img, Src: image.Black, Face: basicfont.Face7x13}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			drawCentered(d, strconv.Itoa(matrix[r][c]),
				confusionPad+c*confusionCell+confusionCell/2,
				confusionPad+r*confusionCell+confusionCell/2)
		}
	}
	drawCentered(d, "Pred", confusionPad+confusionCell, confusionPad-30)
	drawCentered(d, "True", confusionPad-40, confusionPad+confusionCell)
	for i, label := range labels {
		center := confusionPad + i*confusionCell + confusionCell/2
		drawCentered(d, label, center, confusionPad+2*confusionCell+20)
		drawCentered(d, label, confusionPad-25, center)
	}

	if err := writePNG(outFile, img); err != nil {
		return fmt.Errorf("failed to save confusion matrix: %w", err)
	}
	return nil
}

func drawCentered(d *font.Drawer, s string, cx, cy int) {
	width := d.MeasureString(s).Round()
	ascent := basicfont.Face7x13.Ascent
	d.Dot = fixed.P(cx-width/2, cy+ascent/2)
	d.DrawString(s)
}

func hline(img *image.RGBA, x0, x1, y int, c color.Color) {
	for x := x0; x <= x1; x++ {
		img.Set(x, y, c)
	}
}

func vline(img *image.RGBA, x, y0, y1 int, c color.Color) {
	for y := y0; y <= y1; y++ {
		img.Set(x, y, c)
	}
}
