package simpleresize

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// ImageTransformer decodes, bounds and re-encodes images according to a Policy.
// It holds only the immutable policy and is safe for concurrent use.
type ImageTransformer struct {
	policy Policy
}

// NewImageTransformer validates policy and returns a transformer for it
func NewImageTransformer(policy Policy) (*ImageTransformer, error) {
	policy.OutputFormat = NormalizeFormat(policy.OutputFormat)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &ImageTransformer{policy: policy}, nil
}

// Policy returns the policy the transformer applies
func (t *ImageTransformer) Policy() Policy {
	return t.policy
}

// Transform resizes data so that it fits within MaxWidth x MaxHeight, keeping
// the aspect ratio and never upscaling. Undecodable input returns an error
// wrapping ErrUnsupportedFormat.
func (t *ImageTransformer) Transform(ctx context.Context, data []byte) (*Rendition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrUnsupportedFormat, mtype.String())
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, mtype.String(), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %dx%d image", ErrUnsupportedFormat, cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > t.policy.maxPixels() {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedFormat, cfg.Width, cfg.Height, t.policy.maxPixels())
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnsupportedFormat, format, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := img.Bounds()
	out := resize.Thumbnail(uint(t.policy.MaxWidth), uint(t.policy.MaxHeight), img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, t.policy.imagingFormat(), imaging.JPEGQuality(t.policy.Quality)); err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrUnsupportedFormat, t.policy.OutputFormat, err)
	}

	bounds := out.Bounds()
	return &Rendition{
		Data:         buf.Bytes(),
		ContentType:  t.policy.ContentType(),
		Extension:    t.policy.Extension(),
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		SourceWidth:  src.Dx(),
		SourceHeight: src.Dy(),
		SourceFormat: format,
	}, nil
}
