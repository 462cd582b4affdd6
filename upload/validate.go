// Package upload validates image files, renders previews and drives a single
// file through selection, validation and submission.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/gabriel-vasile/mimetype"
)

// MaxFileSize is the largest accepted upload, in bytes.
const MaxFileSize = 5 * 1024 * 1024

// Preview is a displayable rendition of a selected image.
type Preview struct {
	DataURI string
	Width   int
	Height  int
}

// Validate checks type and size without reading the content.
func Validate(f *core.File) error {
	if f == nil {
		return &core.ValidationError{
			Field:   "file",
			Code:    core.CodeMissingFile,
			Message: "no file selected",
		}
	}
	if !mimetype.EqualsAny(f.ContentType, "image/jpeg", "image/jpg", "image/png") {
		return &core.ValidationError{
			Field:   "file",
			Code:    core.CodeUnsupportedType,
			Message: fmt.Sprintf("%q is not a JPEG or PNG image", f.ContentType),
		}
	}
	if f.Size > MaxFileSize {
		return &core.ValidationError{
			Field:   "file",
			Code:    core.CodeFileTooLarge,
			Message: fmt.Sprintf("%d bytes exceeds the 5 MiB limit", f.Size),
		}
	}
	return nil
}

// RenderPreview decodes the image header and encodes the content as a data
// URI. It never touches the network.
func RenderPreview(ctx context.Context, f *core.File) (*Preview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := f.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Name, err)
	}
	return &Preview{
		DataURI: "data:" + mediaType(f.ContentType) + ";base64," + base64.StdEncoding.EncodeToString(data),
		Width:   cfg.Width,
		Height:  cfg.Height,
	}, nil
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}
