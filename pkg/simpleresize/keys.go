package simpleresize

import (
	"fmt"
	"strings"
)

// DefaultTargetSuffix is appended to the stem of derived keys
const DefaultTargetSuffix = "_resized"

// KeyDeriver maps source keys to derived keys. It holds no state beyond its
// configuration, so a single value may be shared by concurrent tasks.
//
// A source key that already ends with the output extension keeps its stem:
//
//	photos/cat.jpg  -> photos/cat_resized.jpg
//
// Any other key is kept whole and joined with a dot:
//
//	photos/cat.png  -> photos/cat.png.resized.jpg
//	photos/cat      -> photos/cat.resized.jpg
//
// The two forms end in "_resized.jpg" and ".resized.jpg" respectively, so their
// images never overlap and distinct source keys never share a target.
type KeyDeriver struct {
	Prefix    string
	Suffix    string
	Extension string
}

// NewKeyDeriver validates the derivation parameters
func NewKeyDeriver(prefix, suffix, extension string) (*KeyDeriver, error) {
	if suffix == "" {
		suffix = DefaultTargetSuffix
	}
	if suffix[0] != '_' && suffix[0] != '-' {
		return nil, NewConfigError("target_suffix", fmt.Sprintf("must start with '_' or '-', got %q", suffix))
	}
	if len(suffix) < 2 || strings.ContainsAny(suffix, "/.") {
		return nil, NewConfigError("target_suffix", fmt.Sprintf("must be a single path-safe word, got %q", suffix))
	}
	if !strings.HasPrefix(extension, ".") || len(extension) < 2 || strings.Contains(extension, "/") {
		return nil, NewConfigError("extension", fmt.Sprintf("must look like \".jpg\", got %q", extension))
	}
	return &KeyDeriver{Prefix: prefix, Suffix: suffix, Extension: extension}, nil
}

// DeriveTargetKey returns the derived key for sourceKey
func (d *KeyDeriver) DeriveTargetKey(sourceKey string) (string, error) {
	if sourceKey == "" {
		return "", fmt.Errorf("%w: empty source key", ErrInvalidEvent)
	}
	if strings.HasSuffix(sourceKey, "/") {
		return "", fmt.Errorf("%w: %q is a directory marker", ErrInvalidEvent, sourceKey)
	}

	var target string
	if stem, ok := strings.CutSuffix(sourceKey, d.Extension); ok && stem != "" && !strings.HasSuffix(stem, "/") {
		target = stem + d.Suffix + d.Extension
	} else {
		target = sourceKey + "." + strings.TrimLeft(d.Suffix, "_-") + d.Extension
	}
	return d.Prefix + target, nil
}

var defaultDeriver = &KeyDeriver{Suffix: DefaultTargetSuffix, Extension: ".jpg"}

// DeriveTargetKey derives a JPEG target key with the default suffix and no prefix
func DeriveTargetKey(sourceKey string) (string, error) {
	return defaultDeriver.DeriveTargetKey(sourceKey)
}
