// Package audio holds the audio containers exchanged between the recorder,
// the remote services and the player.
package audio

import (
	"mime"
	"strings"
)

// Mime types produced or accepted by the pipeline.
const (
	MimeOggOpus = "audio/ogg; codecs=opus"
	MimeWebM    = "audio/webm; codecs=opus"
	MimeWAV     = "audio/wav"
	MimeMPEG    = "audio/mpeg"
)

// Blob is an immutable byte container tagged with a mime type.
type Blob struct {
	MimeType string
	Data     []byte
}

// Len returns the payload size in bytes.
func (b Blob) Len() int {
	return len(b.Data)
}

// Empty reports whether the blob carries no audio.
func (b Blob) Empty() bool {
	return len(b.Data) == 0
}

// BaseType returns the mime type without parameters, e.g. "audio/ogg".
func (b Blob) BaseType() string {
	return BaseType(b.MimeType)
}

// BaseType strips parameters from a mime type and lowercases it.
func BaseType(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mt
}

// Concat joins chunks, in order, into a single blob.
func Concat(mimeType string, chunks [][]byte) Blob {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return Blob{MimeType: mimeType, Data: data}
}

// Extension returns a file extension suitable for storing the blob.
func Extension(mimeType string) string {
	switch BaseType(mimeType) {
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	default:
		return ".bin"
	}
}
