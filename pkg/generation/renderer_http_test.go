package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"myway/pkg/domain"
)

func TestHTTPRendererImage(t *testing.T) {
	var got imageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString([]byte("img"))}},
		})
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL+"/v1/", "secret", "img-model", 0)
	out, err := r.Render(context.Background(), RenderRequest{Type: domain.MediaImage, Prompt: "cat", Aspect: "9:16", References: []string{"s3://b/me.jpg"}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if string(out.Data) != "img" || out.Model != "img-model" || out.Extension != "png" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if got.Size != "768x1408" || got.Model != "img-model" || got.Prompt != "Feature the person from the reference image: cat" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestHTTPRendererErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL, "", "img-model", 0)
	if _, err := r.Render(context.Background(), RenderRequest{Type: domain.MediaImage, Prompt: "cat"}); err == nil || err.Error() != "image api error: rate limited" {
		t.Fatalf("expected api error, got %v", err)
	}
	if _, err := r.Render(context.Background(), RenderRequest{Type: domain.MediaVideo, Prompt: "cat"}); !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("expected unsupported media, got %v", err)
	}
}
