package whisper

import (
	"encoding/binary"
	"fmt"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/audio"
)

// InputCodec identifies the encoding of utterance blobs handed to Transcribe.
type InputCodec string

const (
	// InputWAV treats utterance blobs as RIFF/WAV files. The default.
	InputWAV InputCodec = "wav"

	// InputOpusDCA treats utterance blobs as DCA-framed Opus streams.
	InputOpusDCA InputCodec = "opus-dca"
)

// normalizeUtterance decodes an utterance blob and converts it to the 16 kHz
// mono format whisper.cpp models are trained on.
func normalizeUtterance(blob []byte, codec InputCodec) (audio.Clip, error) {
	var (
		clip audio.Clip
		err  error
	)
	switch codec {
	case InputOpusDCA:
		clip, err = audio.DecodeDCA(blob)
	default:
		clip, err = audio.DecodeWAV(blob)
	}
	if err != nil {
		return audio.Clip{}, fmt.Errorf("whisper: decode utterance: %w", err)
	}
	clip, err = audio.Convert(clip, audio.Format{SampleRate: whisperSampleRate, Channels: whisperChannels})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("whisper: convert utterance: %w", err)
	}
	return clip, nil
}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be
// even (two bytes per sample); any trailing odd byte is silently ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
