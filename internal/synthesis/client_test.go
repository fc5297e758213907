package synthesis

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/nthree/aozorastation/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func clientFor(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	cfg := config.Default().Synthesis
	cfg.Host = u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	cfg.Port = port
	return NewClient(cfg, newLogger())
}

func TestSynthesizeWritesAudioFile(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte("RIFFfakewav"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "00001-0000.wav")
	client := clientFor(t, server)
	if err := client.Synthesize(context.Background(), "こんにちは。", 2, dest); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != "RIFFfakewav" {
		t.Fatalf("unexpected file content: %q", data)
	}

	if gotQuery.Get("text") != "こんにちは。" {
		t.Fatalf("unexpected text param: %q", gotQuery.Get("text"))
	}
	if gotQuery.Get("encoding") != "utf-8" {
		t.Fatalf("unexpected encoding param: %q", gotQuery.Get("encoding"))
	}
	if gotQuery.Get("model_id") != "2" {
		t.Fatalf("unexpected model_id param: %q", gotQuery.Get("model_id"))
	}
	if gotQuery.Get("language") != "JP" || gotQuery.Get("style") != "Neutral" {
		t.Fatalf("unexpected tuning params: %v", gotQuery)
	}
	if gotQuery.Get("auto_split") != "true" || gotQuery.Get("length") != "1.1" {
		t.Fatalf("unexpected tuning params: %v", gotQuery)
	}
}

func TestSynthesizeFailsOnErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "00001-0000.wav")
	client := clientFor(t, server)
	err := client.Synthesize(context.Background(), "text", 0, dest)
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("error should carry status: %v", err)
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		t.Fatal("no file should be created before a success status")
	}
}

func TestHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/docs" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	client := clientFor(t, server)
	if !client.Healthy(context.Background()) {
		t.Fatal("expected healthy against running server")
	}
	server.Close()
	if client.Healthy(context.Background()) {
		t.Fatal("expected unhealthy against closed server")
	}
}

func TestModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/info" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"1":{"id2spk":{"0":"Tsukuyomi"}},"0":{"id2spk":{"0":"Amitaro"}}}`))
	}))
	defer server.Close()

	client := clientFor(t, server)
	models, err := client.Models(context.Background())
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].ID != "0" || models[0].Name != "Amitaro" {
		t.Fatalf("unexpected first model: %+v", models[0])
	}
	if models[1].ID != "1" || models[1].Name != "Tsukuyomi" {
		t.Fatalf("unexpected second model: %+v", models[1])
	}
}
