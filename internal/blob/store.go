// Package blob abstracts attachment and voice-clip storage: store a decoded
// binary payload under a destination folder, get back a URL. The chat core
// never reads blobs back.
package blob

import (
	"context"
	"strings"
)

// Store persists a binary payload under folder and returns the URL clients
// fetch it from. Implementations may return site-relative paths (filesystem)
// or absolute URLs (S3/CDN).
type Store interface {
	Put(ctx context.Context, data []byte, contentType, folder string) (string, error)
}

// Qualify makes a stored link host-qualified. Links that already carry a
// scheme (S3/CDN URLs) pass through unchanged.
func Qualify(siteHost, link string) string {
	if link == "" {
		return ""
	}
	if strings.Contains(link, "://") {
		return link
	}
	return strings.TrimRight(siteHost, "/") + link
}

// QualifyAll maps Qualify over a link list, preserving order.
func QualifyAll(siteHost string, links []string) []string {
	if len(links) == 0 {
		return []string{}
	}
	out := make([]string, len(links))
	for i, link := range links {
		out[i] = Qualify(siteHost, link)
	}
	return out
}

// extFor maps the content types the chat accepts to a file extension.
func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm", "video/webm":
		return ".webm"
	default:
		if i := strings.LastIndex(contentType, "/"); i >= 0 && i < len(contentType)-1 {
			return "." + contentType[i+1:]
		}
		return ".bin"
	}
}
