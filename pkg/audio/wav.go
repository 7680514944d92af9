package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of a canonical RIFF/WAVE header with PCM fmt and
// data chunks and no extension blocks.
const wavHeaderSize = 44

// ErrNotWAV is returned by DecodeWAV when the payload is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE payload")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct upload
// to batch transcription APIs.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a RIFF/WAVE container holding 16-bit PCM and returns the
// samples with their format. Chunks other than fmt and data (LIST, fact, …)
// are skipped. Only uncompressed PCM at 16 bits per sample is supported.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, ErrNotWAV
	}

	var (
		format   Format
		pcm      []byte
		sawFmt   bool
		sawData  bool
		offset   = 12
		dataLen  = len(data)
		bitDepth uint16
	)

	for offset+8 <= dataLen {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if chunkSize < 0 || body+chunkSize > dataLen {
			return Clip{}, fmt.Errorf("audio: truncated %q chunk", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return Clip{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", chunkSize)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			if audioFormat != 1 {
				return Clip{}, fmt.Errorf("audio: unsupported WAV format %d (only PCM)", audioFormat)
			}
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitDepth = binary.LittleEndian.Uint16(data[body+14 : body+16])
			sawFmt = true

		case "data":
			pcm = data[body : body+chunkSize]
			sawData = true
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		offset = body + chunkSize + (chunkSize & 1)

		if sawFmt && sawData {
			break
		}
	}

	if !sawFmt || !sawData {
		return Clip{}, fmt.Errorf("audio: missing %s chunk", map[bool]string{true: "data", false: "fmt"}[sawFmt])
	}
	if bitDepth != 16 {
		return Clip{}, fmt.Errorf("audio: unsupported bit depth %d (only 16)", bitDepth)
	}
	if format.Channels < 1 || format.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("audio: invalid WAV format %d Hz %d ch", format.SampleRate, format.Channels)
	}

	return Clip{PCM: pcm, Format: format}, nil
}
