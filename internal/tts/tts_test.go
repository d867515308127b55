package tts

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
)

func TestDurationClamps(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
	}{
		{"", 500 * time.Millisecond},
		{"hi", 500 * time.Millisecond},
		{strings.Repeat("a", 28), 2 * time.Second},
		{strings.Repeat("a", 500), 3 * time.Second},
	}
	for _, tt := range tests {
		if got := Duration(tt.text); got != tt.want {
			t.Errorf("Duration(%d chars) = %v, want %v", len(tt.text), got, tt.want)
		}
	}
}

func TestNullProducesValidWAV(t *testing.T) {
	audio, err := NewNull().Synthesize(context.Background(), strings.Repeat("a", 14), "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio[0:4]) != "RIFF" || string(audio[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header")
	}
	if rate := binary.LittleEndian.Uint32(audio[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	dataLen := binary.LittleEndian.Uint32(audio[40:44])
	if dataLen != 32000 {
		t.Errorf("data length = %d, want 32000 (1s of 16-bit mono)", dataLen)
	}
	if len(audio) != 44+int(dataLen) {
		t.Errorf("file length = %d, want %d", len(audio), 44+dataLen)
	}
}

func TestHTTPSynthesize(t *testing.T) {
	var got speechRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer k" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("RIFFfake"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewHTTP(config.TTSConfig{Endpoint: srv.URL + "/", APIKey: "k", Voice: "nova"}, zap.NewNop())
	audio, err := p.Synthesize(context.Background(), "hello", "shimmer")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "RIFFfake" {
		t.Errorf("audio = %q", audio)
	}
	if got.Voice != "shimmer" || got.Input != "hello" || got.Model != "tts-1" {
		t.Errorf("request = %+v", got)
	}

	if _, err := p.Synthesize(context.Background(), "hello", ""); err != nil {
		t.Fatal(err)
	}
	if got.Voice != "nova" {
		t.Errorf("default voice = %q, want nova", got.Voice)
	}
}

func TestHTTPSynthesizeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTP(config.TTSConfig{Endpoint: srv.URL}, zap.NewNop())
	if _, err := p.Synthesize(context.Background(), "hello", ""); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if s, err := New(config.TTSConfig{}, zap.NewNop()); err != nil || s.Name() != "null" {
		t.Errorf("default = %v, %v; want null", s, err)
	}
	if _, err := New(config.TTSConfig{Provider: "http"}, zap.NewNop()); err == nil {
		t.Error("http without endpoint should fail")
	}
	if _, err := New(config.TTSConfig{Provider: "espeak"}, zap.NewNop()); err == nil {
		t.Error("unknown provider should fail")
	}
}
