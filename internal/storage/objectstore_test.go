package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestNewObjectStoreDisabledWithoutBucket(t *testing.T) {
	store := NewObjectStore(ObjectStoreConfig{Endpoint: "minio:9000"})
	if store.Enabled() {
		t.Fatal("expected disabled store without a bucket")
	}
	if _, err := store.Upload(context.Background(), "k", "text/plain", []byte("x")); err != nil {
		t.Fatalf("noop upload should succeed: %v", err)
	}
}

func TestObjectStoreUploadSignsRequest(t *testing.T) {
	var captured *http.Request
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	store := NewObjectStore(ObjectStoreConfig{
		Endpoint:       parsed.Host,
		PublicEndpoint: "https://cdn.example",
		Bucket:         "media",
		Prefix:         "uploads",
		AccessKey:      "key",
		SecretKey:      "secret",
	})

	ref, err := store.Upload(context.Background(), "videos/out.mp4", "video/mp4", []byte("payload"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref.Key != "uploads/videos/out.mp4" {
		t.Fatalf("unexpected key %q", ref.Key)
	}
	if ref.URL != "https://cdn.example/uploads/videos/out.mp4" {
		t.Fatalf("unexpected public url %q", ref.URL)
	}

	if captured == nil {
		t.Fatal("server saw no request")
	}
	if captured.Method != http.MethodPut {
		t.Fatalf("expected PUT, got %s", captured.Method)
	}
	if captured.URL.Path != "/media/uploads/videos/out.mp4" {
		t.Fatalf("unexpected path %q", captured.URL.Path)
	}
	if string(body) != "payload" {
		t.Fatalf("unexpected body %q", body)
	}
	auth := captured.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=key/") {
		t.Fatalf("unexpected authorization header %q", auth)
	}
	if captured.Header.Get("x-amz-content-sha256") == "" {
		t.Fatal("missing payload hash header")
	}
	if captured.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("unexpected content type %q", captured.Header.Get("Content-Type"))
	}
}

func TestObjectStoreDeleteSurfacesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	parsed, _ := url.Parse(server.URL)
	store := NewObjectStore(ObjectStoreConfig{Endpoint: parsed.Host, Bucket: "media"})
	if err := store.Delete(context.Background(), "gone.mp4"); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestApplyPrefixDeduplicates(t *testing.T) {
	client := &s3ObjectStore{cfg: ObjectStoreConfig{Prefix: "uploads"}}
	cases := map[string]string{
		"videos/a.mp4":         "uploads/videos/a.mp4",
		"/videos/a.mp4":        "uploads/videos/a.mp4",
		"uploads/videos/a.mp4": "uploads/videos/a.mp4",
		"":                     "uploads",
	}
	for input, want := range cases {
		if got := client.applyPrefix(input); got != want {
			t.Errorf("applyPrefix(%q) = %q, want %q", input, got, want)
		}
	}
}
