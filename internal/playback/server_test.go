package playback

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeMedia(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestServeFile(t *testing.T) {
	path := writeMedia(t)
	s := NewServer(nil)

	tests := []struct {
		name   string
		method string
		rng    string
		status int
		body   string
		cr     string
	}{
		{"whole file", http.MethodGet, "", http.StatusOK, "0123456789", ""},
		{"partial", http.MethodGet, "bytes=2-4", http.StatusPartialContent, "234", "bytes 2-4/10"},
		{"suffix", http.MethodGet, "bytes=-3", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"malformed ignored", http.MethodGet, "frames=1-2", http.StatusOK, "0123456789", ""},
		{"unsatisfiable", http.MethodGet, "bytes=20-", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
		{"head", http.MethodHead, "", http.StatusOK, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/output", nil)
			if tt.rng != "" {
				req.Header.Set("Range", tt.rng)
			}
			rr := httptest.NewRecorder()
			if err := s.ServeFile(rr, req, path); err != nil {
				t.Fatalf("ServeFile() error = %v", err)
			}
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if rr.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.body)
			}
			if got := rr.Header().Get("Content-Range"); got != tt.cr {
				t.Errorf("Content-Range = %q, want %q", got, tt.cr)
			}
			if got := rr.Header().Get("Content-Type"); got != "video/mp4" {
				t.Errorf("Content-Type = %q, want video/mp4", got)
			}
		})
	}
}

func TestServeFile_Missing(t *testing.T) {
	rr := httptest.NewRecorder()
	err := NewServer(nil).ServeFile(rr, httptest.NewRequest(http.MethodGet, "/", nil), filepath.Join(t.TempDir(), "nope.png"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if rr.Body.Len() != 0 {
		t.Error("nothing should be written for a missing file")
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"out.MP4":  "video/mp4",
		"out.mkv":  "video/x-matroska",
		"out.png":  "image/png",
		"out.jpg":  "image/jpeg",
		"out.xyz1": "application/octet-stream",
	}
	for path, want := range tests {
		if got := ContentType(path); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", path, got, want)
		}
	}
}
