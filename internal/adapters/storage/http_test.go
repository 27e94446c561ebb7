package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newRasterServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# rasters\n\ndem.asc 12\ndem.prj\nsoil/soil.flt 16\nsoil/soil.hdr x\nREADME.md\n")
	})
	mux.HandleFunc("/dem.asc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ncols 1\nnrows 1")
	})
	mux.HandleFunc("/private/dem.asc", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "reader" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStorageList(t *testing.T) {
	srv := newRasterServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL + "/"})

	objects, err := storage.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := map[string]int64{
		"dem.asc":       12,
		"dem.prj":       -1,
		"soil/soil.flt": 16,
		"soil/soil.hdr": -1,
	}
	if len(objects) != len(want) {
		t.Fatalf("len(objects) = %d, want %d (%v)", len(objects), len(want), objects)
	}
	for _, obj := range objects {
		size, ok := want[obj.Key]
		if !ok {
			t.Errorf("unexpected key %q", obj.Key)
			continue
		}
		if obj.Size != size {
			t.Errorf("%s size = %d, want %d", obj.Key, obj.Size, size)
		}
	}
}

func TestHTTPStorageListMissingIndex(t *testing.T) {
	srv := newRasterServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL, IndexFile: "missing.txt"})

	if _, err := storage.List(context.Background()); err == nil {
		t.Error("List() should error when the index file is missing")
	}
}

func TestHTTPStorageDownload(t *testing.T) {
	srv := newRasterServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL})
	dest := filepath.Join(t.TempDir(), "nested", "dem.asc")

	if err := storage.Download(context.Background(), "dem.asc", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	content, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read dest file: %v", err)
	}
	if string(content) != "ncols 1\nnrows 1" {
		t.Errorf("content = %q", content)
	}
}

func TestHTTPStorageDownloadNotFound(t *testing.T) {
	srv := newRasterServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL})
	dest := filepath.Join(t.TempDir(), "gone.asc")

	if err := storage.Download(context.Background(), "gone.asc", dest); err == nil {
		t.Fatal("Download() should error for a missing file")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("failed download must not leave a destination file")
	}
}

func TestHTTPStorageExists(t *testing.T) {
	srv := newRasterServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL})

	tests := []struct {
		key  string
		want bool
	}{
		{"dem.asc", true},
		{"gone.asc", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			exists, err := storage.Exists(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("Exists() error = %v", err)
			}
			if exists != tt.want {
				t.Errorf("Exists() = %v, want %v", exists, tt.want)
			}
		})
	}
}

func TestHTTPStorageBasicAuth(t *testing.T) {
	srv := newRasterServer(t)

	anonymous := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL})
	if _, err := anonymous.GetReader(context.Background(), "private/dem.asc"); err == nil {
		t.Error("GetReader() without credentials should fail")
	}

	authed := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL, Username: "reader", Password: "secret"})
	body, err := authed.GetReader(context.Background(), "private/dem.asc")
	if err != nil {
		t.Fatalf("GetReader() error = %v", err)
	}
	defer func() { _ = body.Close() }()
}
