package files

import (
	"context"
	"io"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

var ErrPayloadTooLarge = errors.New("input payload exceeds the size limit")

// FileStorage serves stdin payloads kept as objects, for requests that reference one
// instead of carrying it inline.
type FileStorage struct {
	cl      *minio.Client
	Bucket  string
	maxSize int64
}

type Config struct {
	Url      string
	Login    string
	Password string
	Bucket   string
	Secure   bool
	MaxSize  int64
}

func NewFileStorage(cfg Config) (*FileStorage, error) {
	client, err := minio.New(cfg.Url, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Login, cfg.Password, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create minio client")
	}
	return &FileStorage{cl: client, Bucket: cfg.Bucket, maxSize: cfg.MaxSize}, nil
}

func (s *FileStorage) GetFile(ctx context.Context, filename string) (*minio.Object, error) {
	return s.cl.GetObject(ctx, s.Bucket, filename, minio.GetObjectOptions{})
}

// Fetch returns the object's content, zstd-decoded when the key ends in .zst or the
// object is stored as application/zstd.
func (s *FileStorage) Fetch(ctx context.Context, filename string) (string, error) {
	obj, err := s.GetFile(ctx, filename)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get %s", filename)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat %s", filename)
	}
	compressed := path.Ext(filename) == ".zst" || info.ContentType == "application/zstd"
	data, err := ReadPayload(obj, compressed, s.maxSize)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", filename)
	}
	return data, nil
}

// ReadPayload reads at most max bytes of (optionally zstd-compressed) content.
// A non-positive max disables the limit.
func ReadPayload(r io.Reader, compressed bool, max int64) (string, error) {
	if compressed {
		d, err := zstd.NewReader(r)
		if err != nil {
			return "", errors.Wrap(err, "failed to create zstd reader")
		}
		defer d.Close()
		r = d
	}
	if max > 0 {
		r = io.LimitReader(r, max+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if max > 0 && int64(len(data)) > max {
		return "", ErrPayloadTooLarge
	}
	return string(data), nil
}
