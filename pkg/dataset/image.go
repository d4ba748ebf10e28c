package dataset

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"periometry/internal/models"
)

// ImageExtensions lists the raster formats read through imaging.
// DICOM files use DICOMExtension.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp"}

// DICOMExtension marks radiographs stored as DICOM
const DICOMExtension = ".dcm"

// Supported reports whether path has an extension LoadImage can read
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == DICOMExtension {
		return true
	}
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadImage reads a radiograph from disk. The record ID is the file name.
func LoadImage(path string) (*models.ImageRecord, error) {
	if strings.ToLower(filepath.Ext(path)) == DICOMExtension {
		return LoadDICOM(path)
	}

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image %s: %w", path, err)
	}
	rec := FromImage(filepath.Base(path), img, 0)
	rec.Metadata = map[string]string{"format": strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")}
	return rec, nil
}

// FromImage converts a decoded image into an ImageRecord.
// 16-bit grayscale keeps its depth; everything else is reduced to 8-bit
// luminance. maxValue overrides the full-scale value when positive.
func FromImage(id string, img image.Image, maxValue float64) *models.ImageRecord {
	b := img.Bounds()
	rec := &models.ImageRecord{
		ID:     id,
		Width:  b.Dx(),
		Height: b.Dy(),
		Pixels: make([]float64, b.Dx()*b.Dy()),
	}

	switch src := img.(type) {
	case *image.Gray16:
		rec.MaxValue = math.MaxUint16
		for y := 0; y < rec.Height; y++ {
			for x := 0; x < rec.Width; x++ {
				rec.Pixels[y*rec.Width+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		rec.MaxValue = math.MaxUint8
		for y := 0; y < rec.Height; y++ {
			for x := 0; x < rec.Width; x++ {
				rec.Pixels[y*rec.Width+x] = float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		rec.MaxValue = math.MaxUint8
		gray := imaging.Grayscale(img)
		for y := 0; y < rec.Height; y++ {
			for x := 0; x < rec.Width; x++ {
				rec.Pixels[y*rec.Width+x] = float64(gray.NRGBAAt(x, y).R)
			}
		}
	}

	if maxValue > 0 {
		rec.MaxValue = maxValue
	}
	return rec
}

// LoadDICOM reads the first frame of a DICOM radiograph together with its
// pixel spacing. Imager Pixel Spacing is used when Pixel Spacing is absent.
func LoadDICOM(path string) (*models.ImageRecord, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("error parsing DICOM file %s: %w", path, err)
	}

	pixelData, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("DICOM file %s has no pixel data: %w", path, err)
	}
	img, err := firstFrame(pixelData)
	if err != nil {
		return nil, fmt.Errorf("DICOM file %s: %w", path, err)
	}

	maxValue := 0.0
	if bits := dicomInts(ds, tag.BitsStored); len(bits) > 0 && bits[0] > 0 && bits[0] <= 16 {
		maxValue = float64(int(1)<<bits[0] - 1)
	}

	rec := FromImage(filepath.Base(path), img, maxValue)
	rec.PixelSpacing = dicomSpacing(ds)
	rec.Metadata = map[string]string{"format": "dicom"}
	for key, t := range map[string]tag.Tag{"modality": tag.Modality, "manufacturer": tag.Manufacturer} {
		if v := dicomStrings(ds, t); len(v) > 0 && v[0] != "" {
			rec.Metadata[key] = strings.TrimSpace(v[0])
		}
	}
	return rec, nil
}

// firstFrame decodes the first frame of a Pixel Data element
func firstFrame(e *dicom.Element) (image.Image, error) {
	if e == nil || e.Value == nil {
		return nil, fmt.Errorf("empty pixel data")
	}
	info, ok := e.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel data value %T", e.Value.GetValue())
	}
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("no frames")
	}
	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, fmt.Errorf("error decoding frame: %w", err)
	}
	return img, nil
}

func dicomSpacing(ds dicom.Dataset) float64 {
	for _, t := range []tag.Tag{tag.PixelSpacing, tag.ImagerPixelSpacing} {
		var sum float64
		var n int
		for _, s := range dicomStrings(ds, t) {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil && v > 0 {
				sum += v
				n++
			}
		}
		if n > 0 {
			return sum / float64(n)
		}
	}
	return 0
}

func dicomStrings(ds dicom.Dataset, t tag.Tag) []string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	v, _ := elem.Value.GetValue().([]string)
	return v
}

func dicomInts(ds dicom.Dataset, t tag.Tag) []int {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	v, _ := elem.Value.GetValue().([]int)
	return v
}

// LoadMask reads a segmentation raster as a probability mask covering the
// whole image. With binarize set the raster is thresholded at level first.
func LoadMask(path string, class models.Class, binarize bool, level uint8) (models.Mask, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return models.Mask{}, fmt.Errorf("error opening mask %s: %w", path, err)
	}
	return maskFromImage(img, class, binarize, level), nil
}

func maskFromImage(img image.Image, class models.Class, binarize bool, level uint8) models.Mask {
	var gray *image.Gray
	if binarize {
		gray = segment.Threshold(img, level)
	} else {
		b := img.Bounds()
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				gray.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
			}
		}
	}

	gb := gray.Bounds()
	m := models.Mask{
		Class:      class,
		Bounds:     image.Rect(0, 0, gb.Dx(), gb.Dy()),
		Data:       make([]float64, gb.Dx()*gb.Dy()),
		Confidence: 1,
	}
	for y := 0; y < gb.Dy(); y++ {
		for x := 0; x < gb.Dx(); x++ {
			m.Data[y*gb.Dx()+x] = float64(gray.GrayAt(gb.Min.X+x, gb.Min.Y+y).Y) / math.MaxUint8
		}
	}
	return m
}
