// Package whisper provides local whisper.cpp-backed STT providers.
//
// Two flavours are available. Provider talks to a running whisper-server
// binary (which exposes a REST API at POST /inference) over HTTP, while
// NativeProvider loads the ggml model in process through the CGO bindings and
// needs no helper process.
//
// Both are batch transcribers: the client's voice activity detector decides
// where utterances begin and end and delivers each one as a complete blob
// (WAV by default; see [WithInputCodec]), so there is no streaming session or
// segmentation state to manage here. Utterances whose signal energy stays
// below the RMS threshold are treated as silence and skipped without an
// inference call.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	text, err := p.Transcribe(ctx, wavBlob)
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/audio"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt"
)

const (
	// whisperSampleRate and whisperChannels describe the input whisper.cpp
	// models are trained on. Incoming utterances are converted to this format
	// before inference.
	whisperSampleRate = 16000
	whisperChannels   = 1

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which an utterance is considered silent. The maximum
	// possible value for 16-bit audio is 32 767; 300 corresponds to
	// near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage = "en"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithRMSThreshold sets the signal energy below which an utterance is treated
// as silence and skipped. Zero disables the gate entirely. Defaults to 300.
func WithRMSThreshold(threshold float64) Option {
	return func(p *Provider) {
		p.rmsThreshold = threshold
	}
}

// WithInputCodec declares the encoding of incoming utterance blobs. Defaults
// to [InputWAV].
func WithInputCodec(c InputCodec) Option {
	return func(p *Provider) {
		p.codec = c
	}
}

// WithHTTPClient replaces the default HTTP client (30 s timeout). Useful for
// tests and for callers that need custom transports.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a local whisper.cpp HTTP server.
// It is stateless between calls and safe for concurrent use.
type Provider struct {
	serverURL    string
	model        string
	language     string
	rmsThreshold float64
	codec        InputCodec
	httpClient   *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
// Functional options may be provided to override defaults.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:    serverURL,
		model:        "",
		language:     defaultLanguage,
		rmsThreshold: defaultRMSThreshold,
		codec:        InputWAV,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the provider identifier used in configuration and logs.
func (p *Provider) Name() string { return "whisper-server" }

// Transcribe converts one utterance into text by POSTing it to the
// whisper.cpp /inference endpoint. Silent utterances (below the RMS
// threshold) return an empty transcript without a network round trip.
func (p *Provider) Transcribe(ctx context.Context, blob []byte) (string, error) {
	clip, err := normalizeUtterance(blob, p.codec)
	if err != nil {
		return "", err
	}
	if computeRMS(clip.PCM) < p.rmsThreshold {
		return "", nil
	}

	wav := audio.EncodeWAV(clip.PCM, clip.Format.SampleRate, clip.Format.Channels)
	text, err := p.infer(ctx, wav)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// infer POSTs a WAV payload to the whisper.cpp /inference endpoint as
// multipart/form-data. It returns the transcribed text or an error.
func (p *Provider) infer(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// Primary audio field.
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	// Optional hint fields.
	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return result.Text, nil
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
// The result is expressed in the same units as PCM sample values (0–32 767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2 // number of 16-bit samples
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
