package provider

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// MaxImageBytes caps decoded image attachments.
const MaxImageBytes = 10 << 20

// Image is a decoded data URL attachment.
type Image struct {
	MIMEType string
	Data     []byte
}

// ParseDataURL decodes a data:<mime>;base64,<payload> image URL.
func ParseDataURL(raw string) (Image, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return Image{}, fmt.Errorf("%w: image must be a data URL", ErrUnsupportedCapability)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: data URL has no payload", ErrUnsupportedCapability)
	}
	mime, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return Image{}, fmt.Errorf("%w: data URL must be base64 encoded", ErrUnsupportedCapability)
	}
	if !strings.HasPrefix(mime, "image/") {
		return Image{}, fmt.Errorf("%w: unsupported attachment type %q", ErrUnsupportedCapability, mime)
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageBytes+2 {
		return Image{}, fmt.Errorf("%w: image exceeds %d bytes", ErrUnsupportedCapability, MaxImageBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: invalid base64 payload", ErrUnsupportedCapability)
	}
	if len(data) > MaxImageBytes {
		return Image{}, fmt.Errorf("%w: image exceeds %d bytes", ErrUnsupportedCapability, MaxImageBytes)
	}
	return Image{MIMEType: mime, Data: data}, nil
}
