// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// prerecorded transcription API. It implements the stt.Provider interface.
//
// Each utterance blob is posted to /v1/listen; the top alternative of the
// first channel is returned as the transcript.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	deepgramEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithBaseURL overrides the API endpoint, e.g. for self-hosted Deepgram.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithContentType sets the Content-Type sent with the audio payload
// (default "audio/wav"). Use "application/octet-stream" for raw PCM.
func WithContentType(ct string) Option {
	return func(p *Provider) {
		p.contentType = ct
	}
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram prerecorded API.
type Provider struct {
	apiKey      string
	baseURL     string
	model       string
	language    string
	contentType string
	httpClient  *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		baseURL:     deepgramEndpoint,
		model:       defaultModel,
		language:    defaultLanguage,
		contentType: "audio/wav",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string {
	return "deepgram"
}

// Transcribe implements stt.Provider. It posts the utterance audio to the
// listen endpoint and extracts the transcript. An empty transcript with a nil
// error means Deepgram heard no speech.
func (p *Provider) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("deepgram: empty audio")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.buildURL(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", p.contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("deepgram: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return parseTranscript(resp.Body)
}

// buildURL assembles the listen endpoint with query parameters.
func (p *Provider) buildURL() string {
	q := url.Values{}
	q.Set("model", p.model)
	if p.language != "" {
		q.Set("language", p.language)
	}
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	return p.baseURL + "?" + q.Encode()
}

// listenResponse mirrors the subset of the Deepgram response we consume.
type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseTranscript decodes a listen response and extracts the top transcript.
func parseTranscript(r io.Reader) (string, error) {
	var lr listenResponse
	if err := json.NewDecoder(r).Decode(&lr); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(lr.Results.Channels) == 0 || len(lr.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return lr.Results.Channels[0].Alternatives[0].Transcript, nil
}
