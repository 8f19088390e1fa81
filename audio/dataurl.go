package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	dataPrefix   = "data:"
	base64Marker = ";base64,"
)

// ErrNotBase64 is returned for data URLs that do not carry a base64 payload.
var ErrNotBase64 = errors.New("data url is not base64 encoded")

// ToDataURL encodes the blob as "data:<mime>;base64,<payload>".
func ToDataURL(b Blob) string {
	var sb strings.Builder
	sb.Grow(len(dataPrefix) + len(b.MimeType) + len(base64Marker) + base64.StdEncoding.EncodedLen(len(b.Data)))
	sb.WriteString(dataPrefix)
	sb.WriteString(b.MimeType)
	sb.WriteString(base64Marker)
	sb.WriteString(base64.StdEncoding.EncodeToString(b.Data))
	return sb.String()
}

// FromDataURL decodes a data URL back into a blob. A bare base64 string
// without the data: prefix is accepted and tagged with fallbackMime.
func FromDataURL(s, fallbackMime string) (Blob, error) {
	mimeType := fallbackMime
	payload := s
	if strings.HasPrefix(s, dataPrefix) {
		idx := strings.Index(s, base64Marker)
		if idx < 0 {
			return Blob{}, ErrNotBase64
		}
		if mt := s[len(dataPrefix):idx]; mt != "" {
			mimeType = mt
		}
		payload = s[idx+len(base64Marker):]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Blob{}, fmt.Errorf("decode audio payload: %w", err)
	}
	return Blob{MimeType: mimeType, Data: data}, nil
}
