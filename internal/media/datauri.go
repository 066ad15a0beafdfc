// Package media implements the attachment and voice pipelines: data-URI
// decoding, the per-file size ceiling with a single best-effort downscale, and
// the voice duration and per-room count ceilings.
package media

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeDataURI decodes a `<mime-type>;base64,<payload>` blob (an optional
// leading "data:" is tolerated) into its binary payload and MIME type.
func DecodeDataURI(s string) ([]byte, string, error) {
	head, payload, ok := strings.Cut(s, ";base64,")
	if !ok {
		return nil, "", fmt.Errorf("media: not a base64 data URI")
	}

	mime := strings.TrimPrefix(head, "data:")
	if mime == "" {
		return nil, "", fmt.Errorf("media: data URI missing media type")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("media: decode data URI payload: %w", err)
	}
	return data, mime, nil
}
