package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/logging"
	"postpilot/internal/models"
)

type fakeStore struct {
	post models.Post
	key  string
}

func (f *fakeStore) GetPost(_ context.Context, id string) (models.Post, error) {
	return f.post, nil
}

func (f *fakeStore) SetPostMediaKey(_ context.Context, _, key string) error {
	f.key = key
	return nil
}

func imageServer(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
}

func TestHandleResizesToPlatformWidthAndAttachesKey(t *testing.T) {
	srv := imageServer(t, 2400, 1200)
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		MediaOutputDir:       tempDir,
		MediaDownloadTimeout: 2 * time.Second,
		MediaMaxBytes:        4 * 1024 * 1024,
	}
	st := &fakeStore{post: models.Post{ID: "p1", ProjectID: "proj", Platform: "instagram", Status: models.ReviewApproved}}

	h, err := NewHandler(context.Background(), cfg, st, logging.NewNop())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	job := models.Job{
		ID:   "job-1",
		Type: "media:process",
		Payload: map[string]any{
			"post_id":    "p1",
			"source_url": srv.URL,
		},
	}
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if st.key == "" {
		t.Fatal("media key not attached to post")
	}
	data, err := os.ReadFile(st.key)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got := out.Bounds().Dx(); got != 1080 {
		t.Fatalf("instagram width %d, want 1080", got)
	}
	// Aspect ratio preserved: 2400x1200 scaled to 1080 wide is 540 tall.
	if got := out.Bounds().Dy(); got != 540 {
		t.Fatalf("height %d, want 540", got)
	}
}

func TestHandleKeepsSmallImagesUnscaled(t *testing.T) {
	srv := imageServer(t, 400, 300)
	defer srv.Close()

	st := &fakeStore{post: models.Post{ID: "p1", ProjectID: "proj", Platform: "twitter"}}
	h, err := NewHandler(context.Background(), config.Config{MediaOutputDir: t.TempDir()}, st, logging.NewNop())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	job := models.Job{ID: "job-1", Payload: map[string]any{"post_id": "p1", "source_url": srv.URL}}
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	data, err := os.ReadFile(st.key)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Bounds().Dx() != 400 {
		t.Fatalf("small image was scaled: width %d", out.Bounds().Dx())
	}
}

func TestHandleRejectsMissingFields(t *testing.T) {
	st := &fakeStore{}
	h, err := NewHandler(context.Background(), config.Config{MediaOutputDir: t.TempDir()}, st, logging.NewNop())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	if err := h.Handle(context.Background(), models.Job{Payload: map[string]any{"source_url": "http://x"}}); err == nil {
		t.Fatal("expected error for missing post_id")
	}
	if err := h.Handle(context.Background(), models.Job{Payload: map[string]any{"post_id": "p1"}}); err == nil {
		t.Fatal("expected error for missing source_url")
	}
}

func TestHandleRejectsOversizedDownloads(t *testing.T) {
	srv := imageServer(t, 200, 200)
	defer srv.Close()

	st := &fakeStore{post: models.Post{ID: "p1", ProjectID: "proj", Platform: "twitter"}}
	cfg := config.Config{MediaOutputDir: t.TempDir(), MediaMaxBytes: 16}
	h, err := NewHandler(context.Background(), cfg, st, logging.NewNop())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	job := models.Job{Payload: map[string]any{"post_id": "p1", "source_url": srv.URL}}
	if err := h.Handle(context.Background(), job); err == nil {
		t.Fatal("expected size limit error")
	}
}
