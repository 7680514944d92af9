package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

const sampleVoicesJSON = `{
  "voices": [
    {
      "voice_id": "21m00Tcm4TlvDq8ikWAM",
      "name": "Rachel",
      "category": "premade",
      "labels": {"accent": "american", "gender": "female"}
    },
    {
      "voice_id": "AZnzlk1XvdvUeBnXmlld",
      "name": "Domi",
      "category": "premade",
      "labels": {}
    }
  ]
}`

func testVoice() types.VoiceProfile {
	return types.VoiceProfile{ID: "voice-1", Name: "Rachel", Provider: "elevenlabs"}
}

// ---- construction -------------------------------------------------------------

func TestNew_EmptyAPIKey_ReturnsError(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "elevenlabs" {
		t.Errorf("Name() = %q; want %q", p.Name(), "elevenlabs")
	}
	if p.model != defaultModel {
		t.Errorf("model = %q; want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("outputFormat = %q; want %q", p.outputFormat, defaultOutputFmt)
	}
}

func TestSynthesisURL(t *testing.T) {
	p, _ := New("key", WithOutputFormat("pcm_24000"))
	got := p.synthesisURL("voice-1")
	want := defaultBaseURL + "/v1/text-to-speech/voice-1?output_format=pcm_24000"
	if got != want {
		t.Errorf("synthesisURL = %q; want %q", got, want)
	}
}

// ---- Synthesize ---------------------------------------------------------------

func TestSynthesize_SendsAuthAndBody(t *testing.T) {
	wantAudio := []byte{0x01, 0x02, 0x03, 0x04}
	var gotPath, gotKey, gotContentType, gotFormat string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotContentType = r.Header.Get("Content-Type")
		gotFormat = r.URL.Query().Get("output_format")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write(wantAudio)
	}))
	defer srv.Close()

	p, _ := New("secret-key", WithBaseURL(srv.URL))
	audio, err := p.Synthesize(context.Background(), "One moment please.", testVoice())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if !bytes.Equal(audio, wantAudio) {
		t.Errorf("audio = %x; want %x", audio, wantAudio)
	}
	if gotPath != "/v1/text-to-speech/voice-1" {
		t.Errorf("path = %q; want %q", gotPath, "/v1/text-to-speech/voice-1")
	}
	if gotKey != "secret-key" {
		t.Errorf("xi-api-key = %q; want %q", gotKey, "secret-key")
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q; want application/json", gotContentType)
	}
	if gotFormat != "pcm_16000" {
		t.Errorf("output_format = %q; want pcm_16000", gotFormat)
	}

	var req synthesisRequest
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	if req.Text != "One moment please." {
		t.Errorf("text = %q; want %q", req.Text, "One moment please.")
	}
	if req.ModelID != defaultModel {
		t.Errorf("model_id = %q; want %q", req.ModelID, defaultModel)
	}
	if req.VoiceSettings.Stability != defaultStability {
		t.Errorf("stability = %v; want %v", req.VoiceSettings.Stability, defaultStability)
	}
	if req.VoiceSettings.SimilarityBoost != defaultSimilarityBoost {
		t.Errorf("similarity_boost = %v; want %v", req.VoiceSettings.SimilarityBoost, defaultSimilarityBoost)
	}
}

func TestSynthesize_CustomVoiceSettings(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte{0x00})
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL), WithVoiceSettings(0.3, 0.9))
	if _, err := p.Synthesize(context.Background(), "Hi.", testVoice()); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var req synthesisRequest
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	if req.VoiceSettings.Stability != 0.3 || req.VoiceSettings.SimilarityBoost != 0.9 {
		t.Errorf("voice_settings = %+v; want {0.3 0.9}", req.VoiceSettings)
	}
}

func TestSynthesize_EmptyText_ReturnsError(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "", testVoice()); err == nil {
		t.Fatal("expected error for empty text, got nil")
	}
}

func TestSynthesize_EmptyVoiceID_ReturnsError(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "Hello.", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty voice ID, got nil")
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad-key", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), "Hello.", testVoice())
	if err == nil {
		t.Fatal("expected error for HTTP 401, got nil")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %v should mention the HTTP status", err)
	}
}

func TestSynthesize_EmptyAudio_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	if _, err := p.Synthesize(context.Background(), "Hello.", testVoice()); err == nil {
		t.Fatal("expected error for empty audio response, got nil")
	}
}

// ---- ListVoices ---------------------------------------------------------------

func TestListVoices_RoundTrip(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		gotKey = r.Header.Get("xi-api-key")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, sampleVoicesJSON)
	}))
	defer srv.Close()

	p, _ := New("secret-key", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}

	if gotKey != "secret-key" {
		t.Errorf("xi-api-key = %q; want %q", gotKey, "secret-key")
	}
	if len(voices) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(voices))
	}
	if voices[0].ID != "21m00Tcm4TlvDq8ikWAM" || voices[0].Name != "Rachel" {
		t.Errorf("voices[0] = %+v", voices[0])
	}
	if voices[0].Provider != "elevenlabs" {
		t.Errorf("voices[0].Provider = %q; want elevenlabs", voices[0].Provider)
	}
	if voices[0].Metadata["accent"] != "american" {
		t.Errorf("voices[0] missing accent label: %+v", voices[0].Metadata)
	}
	if voices[0].Metadata["category"] != "premade" {
		t.Errorf("voices[0] missing category: %+v", voices[0].Metadata)
	}
}

func TestListVoices_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Fatal("expected error for HTTP 403, got nil")
	}
}

func TestParseVoicesResponse_Empty(t *testing.T) {
	voices, err := parseVoicesResponse([]byte(`{"voices": []}`))
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(voices) != 0 {
		t.Errorf("expected 0 voices, got %d", len(voices))
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	if _, err := parseVoicesResponse([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
