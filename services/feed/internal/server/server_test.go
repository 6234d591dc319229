package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"myway/internal/servicetoken"
	"myway/services/feed/internal/app"
)

type testEnv struct {
	handler http.Handler
	signer  *servicetoken.Signer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	privatePath, publicPath := writeKeyPair(t)
	appCore, err := app.New(app.Config{
		Mocks:           true,
		GenerateTimeout: 800 * time.Millisecond,
		FeedSize:        10,
		TrendingPrompts: []string{"neon cyberpunk streets"},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(appCore.Close)
	srv, err := New(Config{
		App:                      appCore,
		InternalJWTKeyID:         servicetoken.DefaultKeyID,
		InternalJWTPublicKeyPath: publicPath,
		InternalJWTIssuers:       []string{"task-pusher"},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: privatePath,
		KeyID:          servicetoken.DefaultKeyID,
		Issuer:         "task-pusher",
		TTL:            time.Minute,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return testEnv{handler: srv.Router(), signer: signer}
}

func (e testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e testEnv) token(t *testing.T) string {
	t.Helper()
	token, err := e.signer.Sign(servicetoken.FeedAudience)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	got := decode[app.Health](t, rec)
	if !got.OK || !got.Mocks || got.FeedSize != 10 || got.Store != app.StoreMemory {
		t.Fatalf("unexpected health: %+v", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestFeedRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/feed", map[string]any{"uid": "u1", "feedType": "trending"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	got := decode[errorResponse](t, rec)
	if got.Code != "FEED_INVALID_TYPE" || got.RequestID == "" {
		t.Fatalf("unexpected error body: %+v", got)
	}
}

func TestFeedRejectsOverflowingPage(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/feed", map[string]any{"uid": "u1", "feedType": "hot", "page": int64(1) << 62}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestFeedMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/feed", nil, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestGenerateAndPollStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/gen/image", map[string]any{"uid": "u1", "prompt": "a fox", "type": "image"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	res := decode[app.GenerateResult](t, rec)
	if res.JobID == "" || res.EtaMs != 800 {
		t.Fatalf("unexpected generate result: %+v", res)
	}

	rec = env.do(t, http.MethodGet, "/gen/status?jobId="+res.JobID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	status := decode[map[string]any](t, rec)
	if status["status"] != "pending" {
		t.Fatalf("expected pending job, got %v", status)
	}
}

func TestGenerateTypeMismatch(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/gen/video", map[string]any{"uid": "u1", "prompt": "a fox", "type": "image"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Code != "GEN_TYPE_MISMATCH" {
		t.Fatalf("unexpected code: %s", got.Code)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/gen/status?jobId=missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Code != "FEED_JOB_NOT_FOUND" {
		t.Fatalf("unexpected code: %s", got.Code)
	}
}

func TestModerate(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/moderate", map[string]any{"post": map[string]any{"prompt": "a Weapon shop"}}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["allowed"] != false {
		t.Fatalf("expected blocked prompt, got %v", got)
	}

	rec = env.do(t, http.MethodPost, "/moderate", map[string]any{}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected empty moderation request to fail, got %d", rec.Code)
	}
}

func TestMoreLikeThisUnknownPost(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/more-like-this", map[string]any{"uid": "u1", "postId": "missing"}, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Code != "FEED_POST_NOT_FOUND" {
		t.Fatalf("unexpected code: %s", got.Code)
	}
}

func TestConsumeTaskRequiresServiceToken(t *testing.T) {
	env := newTestEnv(t)
	task, _ := json.Marshal(map[string]any{"jobId": "job-1", "userId": "u1", "type": "image", "prompt": "harbor"})
	body := map[string]any{
		"message":      map[string]any{"data": base64.StdEncoding.EncodeToString(task)},
		"subscription": "projects/demo/subscriptions/generate",
	}

	rec := env.do(t, http.MethodPost, "/tasks/consume", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/tasks/consume", body, env.token(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]bool](t, rec); !got["skipped"] {
		t.Fatalf("expected mock mode to skip, got %v", got)
	}

	rec = env.do(t, http.MethodPost, "/tasks/consume", map[string]any{"message": map[string]any{"data": "%%%"}}, env.token(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad payload to fail, got %d", rec.Code)
	}
}

func TestProfileImages(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/profile/images?uid=u1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	got := decode[profileImagesResponse](t, rec)
	if !got.Success || got.ProfileImages != nil {
		t.Fatalf("unexpected empty profile: %+v", got)
	}

	update := map[string]any{"uid": "u1", "profileImages": map[string]any{"baseImage": "profiles/u1/base.png", "baseImageApproved": true}}
	rec = env.do(t, http.MethodPost, "/profile/images", update, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized update, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/profile/images", update, env.token(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	got = decode[profileImagesResponse](t, rec)
	if got.ProfileImages == nil || got.ProfileImages.BaseImage != "profiles/u1/base.png" || !got.ProfileImages.BaseImageApproved {
		t.Fatalf("unexpected saved profile: %+v", got)
	}
}

func writeKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o600); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
