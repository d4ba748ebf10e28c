package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"periometry/internal/models"
	"periometry/pkg/analysis"
	"periometry/pkg/correspondence"
)

// Hex colours of the labelling tool, keyed by region class and landmark role
var (
	ClassColors = map[models.Class]string{
		models.Tooth:        "#FF5733",
		models.AlveolarBone: "#3357FF",
		models.PDLSpace:     "#FF33F6",
		models.LaminaDura:   "#33FFF6",
	}
	RoleColors = map[models.Role]string{
		models.CEJ:   "#4DA3FF",
		models.Crest: "#61D0B5",
		models.Apex:  "#FFC107",
	}

	// UnlabeledColor marks orphans and anything without a known colour
	UnlabeledColor = "#808080"
)

// parseColor converts a hex colour, falling back to the unlabeled gray
func parseColor(hex string) colorful.Color {
	c, err := colorful.Hex(hex)
	if err != nil {
		c, _ = colorful.Hex(UnlabeledColor)
	}
	return c
}

// Viewer renders the detections and per-tooth results of one analysed
// radiograph on top of the image
type Viewer struct {
	// input holds the radiograph and the detections that were analysed
	input *models.Input

	// report is the analysis outcome; it may be nil to draw detections only
	report *analysis.ImageReport

	// MaskAlpha is the weight of the class colour when tinting mask pixels
	MaskAlpha float64

	// MaskThreshold is the mask value from which a pixel is tinted
	MaskThreshold float64

	// Tolerance is the Douglas-Peucker tolerance in pixels applied to crest lines
	Tolerance float64

	// LandmarkRadius is the radius in pixels of landmark discs
	LandmarkRadius int
}

// NewViewer creates a viewer for an analysed radiograph
func NewViewer(in *models.Input, report *analysis.ImageReport) *Viewer {
	return &Viewer{
		input:          in,
		report:         report,
		MaskAlpha:      0.35,
		MaskThreshold:  0.5,
		Tolerance:      1.0,
		LandmarkRadius: 3,
	}
}

// Base converts the radiograph to an 8-bit RGBA image scaled to its full-scale value
func (v *Viewer) Base() (*image.RGBA, error) {
	if v.input == nil || v.input.Image == nil {
		return nil, fmt.Errorf("no image to render")
	}
	rec := v.input.Image
	if len(rec.Pixels) != rec.Width*rec.Height {
		return nil, fmt.Errorf("image %s has %d pixels for %dx%d", rec.ID, len(rec.Pixels), rec.Width, rec.Height)
	}

	scale := rec.MaxValue
	if scale <= 0 {
		for _, p := range rec.Pixels {
			scale = math.Max(scale, p)
		}
	}
	if scale <= 0 {
		scale = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, rec.Width, rec.Height))
	for y := 0; y < rec.Height; y++ {
		for x := 0; x < rec.Width; x++ {
			g := uint8(math.Max(0, math.Min(255, rec.At(x, y)/scale*255+0.5)))
			img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return img, nil
}

// Render draws masks, region outlines, crest lines, landmarks and tooth
// labels over the radiograph
func (v *Viewer) Render() (*image.RGBA, error) {
	img, err := v.Base()
	if err != nil {
		return nil, err
	}

	for i := range v.input.Masks {
		v.tintMask(img, &v.input.Masks[i])
	}

	undetermined := v.undeterminedTeeth()
	for i, r := range v.input.Regions {
		c := parseColor(ClassColors[r.Class])
		if undetermined[i] {
			c = c.BlendLab(parseColor(UnlabeledColor), 0.6).Clamped()
		}
		drawPath(img, orb.LineString(r.Outline()), c)
	}

	crestColor := parseColor(RoleColors[models.Crest])
	for _, b := range v.input.Boundaries {
		drawPath(img, v.simplified(b.Points), crestColor)
	}

	orphans := v.orphanLandmarks()
	for i, l := range v.input.Landmarks {
		if orphans[i] {
			drawCross(img, l.Point, v.LandmarkRadius, parseColor(UnlabeledColor))
			continue
		}
		drawDisc(img, l.Point, v.LandmarkRadius, parseColor(RoleColors[l.Role]))
	}

	v.drawLabels(img)
	return img, nil
}

// simplified applies Douglas-Peucker to a polyline; short results keep the original
func (v *Viewer) simplified(ls orb.LineString) orb.LineString {
	if v.Tolerance <= 0 || len(ls) < 3 {
		return ls
	}
	s, ok := simplify.DouglasPeucker(v.Tolerance).Simplify(ls.Clone()).(orb.LineString)
	if !ok || len(s) < 2 {
		return ls
	}
	return s
}

func (v *Viewer) tintMask(img *image.RGBA, m *models.Mask) {
	if !m.WellFormed() {
		return
	}
	tint := parseColor(ClassColors[m.Class])
	area := m.Bounds.Intersect(img.Bounds())
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			if !m.Inside(x, y, v.MaskThreshold) {
				continue
			}
			base, _ := colorful.MakeColor(img.RGBAAt(x, y))
			img.Set(x, y, base.BlendRgb(tint, v.MaskAlpha).Clamped())
		}
	}
}

// undeterminedTeeth marks the tooth regions whose PBL could not be determined
func (v *Viewer) undeterminedTeeth() map[int]bool {
	out := make(map[int]bool)
	if v.report == nil {
		return out
	}
	for _, t := range v.report.Teeth {
		if !t.PBL.Determined() {
			out[t.Tooth] = true
		}
	}
	return out
}

func (v *Viewer) orphanLandmarks() map[int]bool {
	out := make(map[int]bool)
	if v.report == nil {
		return out
	}
	for _, o := range v.report.Orphans {
		if o.Kind == correspondence.KindLandmark {
			out[o.Index] = true
		}
	}
	return out
}

// drawLabels writes the tooth label and PBL above each analysed tooth
func (v *Viewer) drawLabels(img *image.RGBA) {
	if v.report == nil {
		return
	}
	for _, t := range v.report.Teeth {
		if t.Tooth < 0 || t.Tooth >= len(v.input.Regions) {
			continue
		}
		ring := v.input.Regions[t.Tooth].Outline()
		if len(ring) == 0 {
			continue
		}
		bound := ring.Bound()

		text := fmt.Sprintf("#%d", t.Tooth)
		if t.Label != "" {
			text = t.Label
		}
		if t.PBL.Value != nil {
			text += fmt.Sprintf(" %.0f%%", *t.PBL.Value)
		}
		drawText(img, int(bound.Min[0]), int(bound.Min[1])-3, text, color.White)
	}
}

// SaveOverlay renders the overlay and writes it to filename. The format
// follows the extension.
func (v *Viewer) SaveOverlay(filename string) error {
	img, err := v.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("error creating overlay directory: %w", err)
	}
	if err := imaging.Save(img, filename, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("error saving overlay %s: %w", filename, err)
	}
	return nil
}

// SaveToothCrops renders the overlay and saves one crop per analysed tooth
// as <prefix>_tooth_<n>.png in outputDir. It returns the number of crops written.
func (v *Viewer) SaveToothCrops(outputDir, prefix string) (int, error) {
	if v.report == nil {
		return 0, fmt.Errorf("no analysis report to crop teeth from")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	img, err := v.Render()
	if err != nil {
		return 0, err
	}

	written := 0
	for _, t := range v.report.Teeth {
		if t.Tooth < 0 || t.Tooth >= len(v.input.Regions) {
			continue
		}
		ring := v.input.Regions[t.Tooth].Outline()
		if len(ring) == 0 {
			continue
		}
		b := ring.Bound()
		rect := image.Rect(
			int(math.Floor(b.Min[0]))-v.LandmarkRadius, int(math.Floor(b.Min[1]))-v.LandmarkRadius,
			int(math.Ceil(b.Max[0]))+v.LandmarkRadius+1, int(math.Ceil(b.Max[1]))+v.LandmarkRadius+1,
		).Intersect(img.Bounds())
		if rect.Empty() {
			continue
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_tooth_%02d.png", prefix, t.Tooth))
		if err := imaging.Save(imaging.Crop(img, rect), filename); err != nil {
			return written, fmt.Errorf("error saving tooth crop %s: %w", filename, err)
		}
		written++
	}
	return written, nil
}

// drawPath draws straight segments between consecutive points
func drawPath(img *image.RGBA, path orb.LineString, c color.Color) {
	for i := 1; i < len(path); i++ {
		drawLine(img, path[i-1], path[i], c)
	}
}

func drawLine(img *image.RGBA, a, b orb.Point, c color.Color) {
	dx, dy := b[0]-a[0], b[1]-a[1]
	steps := int(math.Ceil(math.Max(math.Abs(dx), math.Abs(dy))))
	if steps == 0 {
		img.Set(int(math.Round(a[0])), int(math.Round(a[1])), c)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		img.Set(int(math.Round(a[0]+dx*t)), int(math.Round(a[1]+dy*t)), c)
	}
}

func drawDisc(img *image.RGBA, center orb.Point, radius int, c color.Color) {
	cx, cy := int(math.Round(center[0])), int(math.Round(center[1]))
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if x*x+y*y <= radius*radius {
				img.Set(cx+x, cy+y, c)
			}
		}
	}
}

func drawCross(img *image.RGBA, center orb.Point, radius int, c color.Color) {
	r := float64(radius)
	drawLine(img, orb.Point{center[0] - r, center[1] - r}, orb.Point{center[0] + r, center[1] + r}, c)
	drawLine(img, orb.Point{center[0] - r, center[1] + r}, orb.Point{center[0] + r, center[1] - r}, c)
}

// drawText writes text with its baseline at (x, y) using basicfont
func drawText(img *image.RGBA, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
