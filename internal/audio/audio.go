// Package audio prepares recorded voice payloads for transcription and
// cleans reply text before it is spoken.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Format names the encoding of a recorded payload.
type Format string

const (
	FormatWebM  Format = "webm"
	FormatOgg   Format = "ogg"
	FormatWAV   Format = "wav"
	FormatMP3   Format = "mp3"
	FormatMP4   Format = "mp4"
	FormatM4A   Format = "m4a"
	FormatMPEG  Format = "mpeg"
	FormatMPGA  Format = "mpga"
	FormatFLAC  Format = "flac"
	FormatMuLaw Format = "mulaw"
	FormatALaw  Format = "alaw"
	FormatPCM16 Format = "pcm16"
)

// telephonySampleRate is fixed by G.711.
const telephonySampleRate = 8000

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyPayload      = errors.New("empty audio payload")
	ErrInvalidPayload    = errors.New("invalid audio payload")
)

// containers are accepted by the transcription endpoint as-is.
var containers = map[Format]bool{
	FormatWebM: true,
	FormatOgg:  true,
	FormatWAV:  true,
	FormatMP3:  true,
	FormatMP4:  true,
	FormatM4A:  true,
	FormatMPEG: true,
	FormatMPGA: true,
	FormatFLAC: true,
}

// Payload is a recording as received from the presentation surface.
// SampleRate is only consulted for raw PCM16.
type Payload struct {
	Data       []byte
	Format     Format
	SampleRate int
}

// Upload is a payload ready to be sent to the transcription endpoint.  The
// extension of Filename tells the provider how to decode Data.
type Upload struct {
	Data     []byte
	Filename string
}

// ParseFormat maps a format name, file extension or MIME type onto a Format.
// An empty value yields webm, which is what browsers record by default.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, ";"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.TrimPrefix(s, ".")
	s = strings.TrimPrefix(s, "audio/")
	switch s {
	case "":
		return FormatWebM, nil
	case "x-wav", "wave":
		return FormatWAV, nil
	case "mpeg3", "x-mp3":
		return FormatMP3, nil
	case "x-m4a":
		return FormatM4A, nil
	case "basic", "pcmu", "ulaw", "u-law":
		return FormatMuLaw, nil
	case "pcma", "a-law":
		return FormatALaw, nil
	case "l16", "pcm", "raw":
		return FormatPCM16, nil
	}
	f := Format(s)
	if containers[f] || f == FormatMuLaw || f == FormatALaw || f == FormatPCM16 {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Prepare converts p into something the transcription endpoint accepts.
// Container formats pass through; G.711 and raw PCM are wrapped in WAV.
func Prepare(p Payload) (Upload, error) {
	if len(p.Data) == 0 {
		return Upload{}, ErrEmptyPayload
	}
	if containers[p.Format] {
		return Upload{Data: p.Data, Filename: "speech." + string(p.Format)}, nil
	}

	var (
		pcm  []byte
		rate int
	)
	switch p.Format {
	case FormatMuLaw:
		pcm, rate = g711.DecodeUlaw(p.Data), telephonySampleRate
	case FormatALaw:
		pcm, rate = g711.DecodeAlaw(p.Data), telephonySampleRate
	case FormatPCM16:
		if len(p.Data)%2 != 0 {
			return Upload{}, fmt.Errorf("%w: PCM16 data has an odd number of bytes", ErrInvalidPayload)
		}
		if p.SampleRate <= 0 {
			return Upload{}, fmt.Errorf("%w: PCM16 data requires a sample rate", ErrInvalidPayload)
		}
		pcm, rate = p.Data, p.SampleRate
	default:
		return Upload{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, p.Format)
	}
	wav, err := PCMBytesToWavBytes(pcm, 1, rate)
	if err != nil {
		return Upload{}, err
	}
	return Upload{Data: wav, Filename: "speech.wav"}, nil
}

// PCMBytesToWavBytes wraps 16-bit little endian PCM in a canonical 44 byte
// RIFF/WAVE header.
func PCMBytesToWavBytes(pcm []byte, numChannels, sampleRate int) ([]byte, error) {
	if numChannels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid WAV parameters: channels=%d rate=%d", numChannels, sampleRate)
	}
	const (
		bitsPerSample  = 16
		audioFormatPCM = 1
		subchunk1Size  = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(subchunk1Size))
	_ = binary.Write(buf, binary.LittleEndian, uint16(audioFormatPCM))
	_ = binary.Write(buf, binary.LittleEndian, uint16(numChannels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(pcm)
	return buf.Bytes(), nil
}
