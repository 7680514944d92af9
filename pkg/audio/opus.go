package audio

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Opus utterances use 48 kHz stereo at 20 ms frame size, the framing produced
// by common capture tooling. Packets are carried in DCA form: each Opus packet
// is prefixed with its length as a little-endian int16.
const (
	OpusSampleRate  = 48000
	OpusChannels    = 2
	opusFrameSizeMs = 20
	// OpusFrameSize is the number of samples per channel per 20 ms frame.
	OpusFrameSize = OpusSampleRate * opusFrameSizeMs / 1000 // 960
)

// SplitDCA splits a DCA-framed payload into individual Opus packets without
// decoding them. Returns an error on a truncated frame.
func SplitDCA(data []byte) ([][]byte, error) {
	var packets [][]byte
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("audio: truncated DCA length prefix at byte %d", offset)
		}
		n := int(int16(binary.LittleEndian.Uint16(data[offset : offset+2])))
		offset += 2
		if n < 0 || offset+n > len(data) {
			return nil, fmt.Errorf("audio: truncated DCA frame at byte %d (len %d)", offset, n)
		}
		packets = append(packets, data[offset:offset+n])
		offset += n
	}
	return packets, nil
}

// DecodeDCA decodes a DCA-framed Opus payload into a 48 kHz stereo PCM clip.
// A single decoder instance is used across packets so inter-frame prediction
// state is preserved.
func DecodeDCA(data []byte) (Clip, error) {
	packets, err := SplitDCA(data)
	if err != nil {
		return Clip{}, err
	}
	if len(packets) == 0 {
		return Clip{}, fmt.Errorf("audio: empty DCA payload")
	}

	dec, err := gopus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	var pcm []byte
	for i, pkt := range packets {
		samples, err := dec.Decode(pkt, OpusFrameSize, false)
		if err != nil {
			return Clip{}, fmt.Errorf("audio: opus decode packet %d: %w", i, err)
		}
		pcm = append(pcm, Int16sToBytes(samples)...)
	}

	return Clip{PCM: pcm, Format: Format{SampleRate: OpusSampleRate, Channels: OpusChannels}}, nil
}

// EncodeDCA encodes a PCM clip into a DCA-framed Opus payload. The clip is
// converted to 48 kHz stereo first when necessary. Trailing samples that do
// not fill a whole 20 ms frame are zero-padded.
func EncodeDCA(c Clip) ([]byte, error) {
	c, err := Convert(c, Format{SampleRate: OpusSampleRate, Channels: OpusChannels})
	if err != nil {
		return nil, err
	}

	enc, err := gopus.NewEncoder(OpusSampleRate, OpusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}

	frameBytes := OpusFrameSize * OpusChannels * 2
	var out []byte
	for off := 0; off < len(c.PCM); off += frameBytes {
		end := off + frameBytes
		frame := make([]byte, frameBytes)
		if end > len(c.PCM) {
			copy(frame, c.PCM[off:])
		} else {
			frame = c.PCM[off:end]
		}

		pkt, err := enc.Encode(BytesToInt16s(frame), OpusFrameSize, frameBytes)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode frame at %d: %w", off, err)
		}

		var prefix [2]byte
		binary.LittleEndian.PutUint16(prefix[:], uint16(len(pkt)))
		out = append(out, prefix[:]...)
		out = append(out, pkt...)
	}

	return out, nil
}
