// Package storage puts case attachments into S3-compatible object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrTooLarge        = errors.New("file exceeds upload limit")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmptyFile       = errors.New("file is empty")
)

var allowedTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"image/gif":       {},
	"application/pdf": {},
}

// ObjectStore is the subset of *minio.Client the uploader uses.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
	MaxBytes  int64
}

// Object is one file to store.
type Object struct {
	UserID      string
	ChatID      string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Stored describes where an Object ended up.
type Stored struct {
	Path      string
	PublicURL string
	Size      int64
}

type Uploader struct {
	objects    ObjectStore
	bucket     string
	publicBase string
	maxBytes   int64
	now        func() time.Time
}

// New connects to the configured endpoint. The public base defaults to the
// endpoint's own bucket URL.
func New(cfg Config) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage client: %w", err)
	}

	publicBase := cfg.PublicURL
	if publicBase == "" {
		publicBase = client.EndpointURL().String()
	}
	return NewUploader(client, cfg.Bucket, publicBase, cfg.MaxBytes), nil
}

func NewUploader(objects ObjectStore, bucket, publicBase string, maxBytes int64) *Uploader {
	return &Uploader{
		objects:    objects,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
		maxBytes:   maxBytes,
		now:        time.Now,
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.objects.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.objects.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", u.bucket, err)
	}
	return nil
}

func (u *Uploader) MaxBytes() int64 {
	return u.maxBytes
}

func (u *Uploader) Upload(ctx context.Context, obj Object) (Stored, error) {
	if obj.Size <= 0 {
		return Stored{}, ErrEmptyFile
	}
	if u.maxBytes > 0 && obj.Size > u.maxBytes {
		return Stored{}, ErrTooLarge
	}
	contentType := normalizeContentType(obj.ContentType)
	if _, ok := allowedTypes[contentType]; !ok {
		return Stored{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	name := ObjectName(obj.UserID, obj.ChatID, obj.FileName, u.now())
	info, err := u.objects.PutObject(ctx, u.bucket, name, obj.Body, obj.Size, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"user-id": obj.UserID,
			"chat-id": obj.ChatID,
		},
	})
	if err != nil {
		return Stored{}, fmt.Errorf("put object: %w", err)
	}

	return Stored{Path: name, PublicURL: u.PublicURL(name), Size: info.Size}, nil
}

// PublicURL returns the address a stored path is served from.
func (u *Uploader) PublicURL(objectPath string) string {
	segments := strings.Split(objectPath, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return u.publicBase + "/" + url.PathEscape(u.bucket) + "/" + strings.Join(segments, "/")
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectName builds "<user>/<chat>/<unix>-<rand>-<file>" with the file name
// reduced to a safe character set.
func ObjectName(userID, chatID, fileName string, at time.Time) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "._")
	if base == "" {
		base = "upload"
	}
	if len(base) > 100 {
		base = base[len(base)-100:]
	}
	if chatID == "" {
		chatID = "unsorted"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s/%s/%d-%s-%s", userID, chatID, at.Unix(), suffix, base)
}

func normalizeContentType(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	return value
}
