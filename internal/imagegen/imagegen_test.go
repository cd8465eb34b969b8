package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-chat/internal/config"
)

func TestDimensions(t *testing.T) {
	if w, h := Dimensions(16.0/9.0, 1024); w != 1024 || h != 576 {
		t.Fatalf("landscape: got %dx%d", w, h)
	}
	if w, h := Dimensions(0.5, 1024); w != 512 || h != 1024 {
		t.Fatalf("portrait: got %dx%d", w, h)
	}
	if w, h := Dimensions(0, 1024); w != 1024 || h != 1024 {
		t.Fatalf("invalid ratio should be square, got %dx%d", w, h)
	}
}

func TestPromptEmbedsDescriptionAndSize(t *testing.T) {
	prompt := Prompt(Request{Description: "산리오의 쿠루미", AspectRatio: 2, MaxEdge: 1024})
	if !strings.Contains(prompt, "Character Description: 산리오의 쿠루미") {
		t.Fatalf("prompt misses description: %s", prompt)
	}
	if !strings.Contains(prompt, "1024x512 pixels") {
		t.Fatalf("prompt misses dimensions: %s", prompt)
	}
}

func TestGeminiGeneratorExtractsInlineImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/img-model:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("missing api key")
		}
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) != 1 {
			t.Errorf("bad request body: %v", err)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"here you go"},{"inlineData":{"mimeType":"image/png","data":"` + mockPNG + `"}}]}}]}`))
	}))
	t.Cleanup(srv.Close)

	img, err := NewGeminiGenerator(srv.URL, "img-model", "g-key").Generate(context.Background(), Request{Description: "키위", AspectRatio: 1})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if img.MIMEType != "image/png" || len(img.Data) == 0 {
		t.Fatalf("unexpected image %+v", img)
	}
}

func TestGeminiGeneratorWithoutImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"no image today"}]}}]}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewGeminiGenerator(srv.URL, "m", "k").Generate(context.Background(), Request{})
	if !errors.Is(err, errNoImagePart) {
		t.Fatalf("expected errNoImagePart, got %v", err)
	}
}

func TestGeminiGeneratorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := NewGeminiGenerator(srv.URL, "m", "k").Generate(context.Background(), Request{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
}

func TestDisabledGenerator(t *testing.T) {
	gen, err := New(config.ImageConfig{Mode: "disabled"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := gen.Generate(context.Background(), Request{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
