package media

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/disintegration/imaging"

	"github.com/craftlink/chat-service/internal/blob"
	"github.com/craftlink/chat-service/internal/logger"
)

// Error messages surfaced to clients as Error events. Side-channel errors on a
// single item do not abort the rest of the send.
const (
	MsgFileTooLarge   = "File is too large"
	MsgVoiceLimitHit  = "You already cross your voice send limit"
	MsgMediaFailed    = "Could not process the file"
	voiceDurationTmpl = "You can send only %d minutes duration's voice"
)

// Config holds the content-policy ceilings.
type Config struct {
	MaxAttachmentBytes int           // per-file ceiling after decode
	ResizeWidth        int           // downscale target for oversized images
	ResizeHeight       int
	JPEGQuality        int           // lossy re-encode quality for the resize attempt
	MaxVoiceDuration   time.Duration // per-clip duration ceiling
	MaxVoicePerRoom    int           // per-sender per-room voice message ceiling
}

// DefaultConfig returns the production ceilings: 5 MiB attachments with a
// 500x500 JPEG resize attempt, 2 minute voice clips, 10 voice messages per
// sender per room.
func DefaultConfig() Config {
	return Config{
		MaxAttachmentBytes: 5 << 20,
		ResizeWidth:        500,
		ResizeHeight:       500,
		JPEGQuality:        80,
		MaxVoiceDuration:   2 * time.Minute,
		MaxVoicePerRoom:    10,
	}
}

// DurationFunc reads the playable duration of an audio payload.
type DurationFunc func(data []byte, mime string) (time.Duration, error)

// Processor runs the attachment and voice pipelines against a blob store.
type Processor struct {
	cfg      Config
	blobs    blob.Store
	duration DurationFunc
}

// NewProcessor creates a Processor. duration may be nil, in which case
// MP3Duration is used.
func NewProcessor(cfg Config, blobs blob.Store, duration DurationFunc) *Processor {
	if duration == nil {
		duration = MP3Duration
	}
	return &Processor{cfg: cfg, blobs: blobs, duration: duration}
}

// VoiceDurationError is the client-facing message for clips over the duration
// ceiling, phrased in whole minutes.
func (p *Processor) VoiceDurationError() string {
	return fmt.Sprintf(voiceDurationTmpl, int(p.cfg.MaxVoiceDuration.Minutes()))
}

// Attachments decodes and stores each data-URI blob under folder. A file over
// the size ceiling gets one downscale-and-recompress attempt; if it is still
// too large, emit receives MsgFileTooLarge and the file is excluded without
// aborting the remaining files. The returned URL list preserves input order
// and may be shorter than the input.
func (p *Processor) Attachments(ctx context.Context, folder string, links []string, emit func(msg string)) []string {
	log := logger.Component("media")
	var stored []string

	for _, link := range links {
		data, mime, err := DecodeDataURI(link)
		if err != nil {
			log.Warn().Err(err).Msg("attachment decode failed")
			emit(MsgMediaFailed)
			continue
		}

		if len(data) > p.cfg.MaxAttachmentBytes {
			if resized, ok := p.resize(data); ok {
				data, mime = resized, "image/jpeg"
			}
		}

		if len(data) > p.cfg.MaxAttachmentBytes {
			emit(MsgFileTooLarge)
			continue
		}

		url, err := p.blobs.Put(ctx, data, mime, folder)
		if err != nil {
			log.Error().Err(err).Str("folder", folder).Msg("attachment store failed")
			emit(MsgMediaFailed)
			continue
		}
		stored = append(stored, url)
	}

	return stored
}

// resize performs the single best-effort downscale: decode as an image, scale
// to the fixed target dimensions, re-encode as lossy JPEG. Non-image payloads
// return ok=false and keep their original bytes.
func (p *Processor) resize(data []byte) ([]byte, bool) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}

	img = imaging.Resize(img, p.cfg.ResizeWidth, p.cfg.ResizeHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.cfg.JPEGQuality)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// Voice decodes and stores one voice data-URI under folder. Clips over the
// duration ceiling, and senders at the per-room count ceiling, yield an emit
// and an empty result: the attempt contributes no voice to the message.
// countVoice is consulted only after the duration check passes.
func (p *Processor) Voice(ctx context.Context, folder, dataURI string, countVoice func(ctx context.Context) (int, error), emit func(msg string)) string {
	log := logger.Component("media")

	data, mime, err := DecodeDataURI(dataURI)
	if err != nil {
		log.Warn().Err(err).Msg("voice decode failed")
		emit(MsgMediaFailed)
		return ""
	}

	d, err := p.duration(data, mime)
	if err != nil {
		log.Warn().Err(err).Str("mime", mime).Msg("voice duration read failed")
		emit(MsgMediaFailed)
		return ""
	}
	if d > p.cfg.MaxVoiceDuration {
		emit(p.VoiceDurationError())
		return ""
	}

	count, err := countVoice(ctx)
	if err != nil {
		log.Error().Err(err).Msg("voice count failed")
		emit(MsgMediaFailed)
		return ""
	}
	// Exactly MaxVoicePerRoom clips are permitted per sender per room.
	if count >= p.cfg.MaxVoicePerRoom {
		emit(MsgVoiceLimitHit)
		return ""
	}

	url, err := p.blobs.Put(ctx, data, mime, folder)
	if err != nil {
		log.Error().Err(err).Str("folder", folder).Msg("voice store failed")
		emit(MsgMediaFailed)
		return ""
	}
	return url
}
