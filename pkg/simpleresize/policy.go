package simpleresize

import (
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

// Supported output formats
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatTIFF = "tiff"
	FormatBMP  = "bmp"
)

// DefaultMaxPixels bounds the decoded size of a source image (about 100MP)
const DefaultMaxPixels = 100_000_000

// Policy is the immutable resize configuration applied to every task
type Policy struct {
	MaxWidth     int
	MaxHeight    int
	OutputFormat string
	// Quality is the JPEG quality 1-100; ignored for lossless formats
	Quality int
	// MaxPixels rejects sources whose width*height exceeds it; 0 uses DefaultMaxPixels
	MaxPixels int
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxWidth:     800,
		MaxHeight:    800,
		OutputFormat: FormatJPEG,
		Quality:      85,
		MaxPixels:    DefaultMaxPixels,
	}
}

var formatInfo = map[string]struct {
	format      imaging.Format
	extension   string
	contentType string
}{
	FormatJPEG: {imaging.JPEG, ".jpg", "image/jpeg"},
	FormatPNG:  {imaging.PNG, ".png", "image/png"},
	FormatGIF:  {imaging.GIF, ".gif", "image/gif"},
	FormatTIFF: {imaging.TIFF, ".tiff", "image/tiff"},
	FormatBMP:  {imaging.BMP, ".bmp", "image/bmp"},
}

// NormalizeFormat lowercases name and folds the "jpg" alias
func NormalizeFormat(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "jpg" {
		return FormatJPEG
	}
	if name == "tif" {
		return FormatTIFF
	}
	return name
}

// Validate checks the policy and returns a ConfigurationError when it is unusable
func (p Policy) Validate() error {
	if p.MaxWidth <= 0 {
		return NewConfigError("max_width", fmt.Sprintf("must be positive, got %d", p.MaxWidth))
	}
	if p.MaxHeight <= 0 {
		return NewConfigError("max_height", fmt.Sprintf("must be positive, got %d", p.MaxHeight))
	}
	if _, ok := formatInfo[NormalizeFormat(p.OutputFormat)]; !ok {
		return NewConfigError("output_format", fmt.Sprintf("unsupported format %q", p.OutputFormat))
	}
	if p.Quality < 1 || p.Quality > 100 {
		return NewConfigError("quality", fmt.Sprintf("must be within 1-100, got %d", p.Quality))
	}
	if p.MaxPixels < 0 {
		return NewConfigError("max_pixels", "cannot be negative")
	}
	return nil
}

// Extension returns the file extension of the output format, including the dot
func (p Policy) Extension() string {
	return formatInfo[NormalizeFormat(p.OutputFormat)].extension
}

// ContentType returns the MIME type of the output format
func (p Policy) ContentType() string {
	return formatInfo[NormalizeFormat(p.OutputFormat)].contentType
}

func (p Policy) imagingFormat() imaging.Format {
	return formatInfo[NormalizeFormat(p.OutputFormat)].format
}

func (p Policy) maxPixels() int {
	if p.MaxPixels == 0 {
		return DefaultMaxPixels
	}
	return p.MaxPixels
}
