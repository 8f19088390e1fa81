package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// PCM16FromFloat32 converts normalized samples into 16-bit little-endian PCM.
// Samples outside [-1, 1] are clipped.
func PCM16FromFloat32(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, f := range in {
		v := int16(math.Round(float64(clamp(f)) * math.MaxInt16))
		// little-endian
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

func clamp(f float32) float32 {
	switch {
	case f > 1:
		return 1
	case f < -1:
		return -1
	}
	return f
}

// WAV wraps raw 16-bit PCM into a RIFF/WAVE container.
func WAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// ErrNotWAV is returned by ParseWAV for data without a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a wav container")

// WAVInfo describes the PCM payload of a WAV container.
type WAVInfo struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Duration returns the playback length of the 16-bit payload.
func (w WAVInfo) Duration() time.Duration {
	if w.SampleRate == 0 || w.Channels == 0 {
		return 0
	}
	frames := len(w.PCM) / (2 * w.Channels)
	return time.Duration(frames) * time.Second / time.Duration(w.SampleRate)
}

// ParseWAV walks the RIFF chunks and returns the format and data sections.
func ParseWAV(data []byte) (WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var (
		info   WAVInfo
		gotFmt bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return WAVInfo{}, ErrNotWAV
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			gotFmt = true
		case "data":
			info.PCM = data[body:end]
			if !gotFmt {
				return WAVInfo{}, ErrNotWAV
			}
			return info, nil
		}
		// chunks are word aligned
		off = end + size%2
	}
	return WAVInfo{}, ErrNotWAV
}
