package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"postpilot/internal/config"
	"postpilot/internal/logging"
	"postpilot/internal/models"
)

// Max image width per platform. Anything wider is scaled down; height follows
// the aspect ratio.
var platformWidths = map[string]int{
	"twitter":   1600,
	"linkedin":  1200,
	"instagram": 1080,
}

const defaultWidth = 1280

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type mediaStore interface {
	GetPost(ctx context.Context, id string) (models.Post, error)
	SetPostMediaKey(ctx context.Context, id, key string) error
}

// Handler processes media:process jobs: it downloads the source image, scales
// it to the post's platform width, stores it (S3 when a bucket is configured,
// local dir otherwise), and attaches the stored key to the post.
type Handler struct {
	store      mediaStore
	httpClient *http.Client
	local      uploader
	s3         uploader
	maxBytes   int64
	log        *logging.Logger
}

type attachPayload struct {
	PostID    string `json:"post_id"`
	SourceURL string `json:"source_url"`
	Width     int    `json:"width"`
}

func NewHandler(ctx context.Context, cfg config.Config, st mediaStore, log *logging.Logger) (*Handler, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.MediaOutputDir
	if baseDir == "" {
		baseDir = "./media"
	}

	var s3Upload uploader
	if cfg.MediaBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.MediaBucket}
	}

	return &Handler{
		store:      st,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
		maxBytes:   cfg.MediaMaxBytes,
		log:        log,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Handle processes one media attachment job.
func (h *Handler) Handle(ctx context.Context, job models.Job) error {
	payload, err := decodeAttachPayload(job)
	if err != nil {
		return err
	}

	post, err := h.store.GetPost(ctx, payload.PostID)
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	width := payload.Width
	if width == 0 {
		if w, ok := platformWidths[post.Platform]; ok {
			width = w
		} else {
			width = defaultWidth
		}
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	outputFormat := chooseFormat(format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	key := fmt.Sprintf("%s/%s.%s", post.ProjectID, post.ID, formatExtension(outputFormat))

	up := h.local
	if h.s3 != nil {
		up = h.s3
	}
	stored, err := up.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if err := h.store.SetPostMediaKey(ctx, post.ID, stored); err != nil {
		return fmt.Errorf("attach media key: %w", err)
	}
	h.log.Info("media attached", "post_id", post.ID, "key", stored, "bytes", buf.Len())
	return nil
}

func (h *Handler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	limit := h.maxBytes
	if limit == 0 {
		limit = 8 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("media too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func decodeAttachPayload(job models.Job) (attachPayload, error) {
	var payload attachPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.PostID == "" {
		return payload, errors.New("post_id is required")
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	return payload, nil
}

func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
