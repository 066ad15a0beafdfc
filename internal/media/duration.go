package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tcolgate/mp3"
)

// MP3Duration sums the frame durations of an MPEG audio payload. Browsers
// record voice notes as MPEG/MP3 in this product; other containers are
// rejected rather than guessed at.
func MP3Duration(data []byte, mime string) (time.Duration, error) {
	switch mime {
	case "audio/mpeg", "audio/mp3", "audio/mpeg3":
	default:
		return 0, fmt.Errorf("media: unsupported audio type %q", mime)
	}

	dec := mp3.NewDecoder(bytes.NewReader(data))

	var (
		frame   mp3.Frame
		skipped int
		total   time.Duration
	)
	for {
		err := dec.Decode(&frame, &skipped)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Tolerate trailing garbage once at least one frame decoded.
			if total > 0 {
				break
			}
			return 0, fmt.Errorf("media: decode mp3 frame: %w", err)
		}
		total += frame.Duration()
	}

	if total == 0 {
		return 0, fmt.Errorf("media: no mp3 frames found")
	}
	return total, nil
}
