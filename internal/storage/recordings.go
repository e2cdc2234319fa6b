// Package storage lists recorded call artifacts in S3-compatible storage.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultURLExpiry = time.Hour

var recordingNameRe = regexp.MustCompile(`^(.+)-(\d+)\.mp4$`)

type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	UseSSL         bool
	ForcePathStyle bool
	Prefix         string
	URLExpiry      time.Duration
}

type Recording struct {
	Key          string    `json:"key"`
	Room         string    `json:"room"`
	StartedAt    time.Time `json:"startedAt"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	URL          string    `json:"url"`
}

type Browser struct {
	client *minio.Client
	cfg    Config
}

func NewBrowser(cfg Config) (*Browser, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "recordings"
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = defaultURLExpiry
	}

	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Browser{client: client, cfg: cfg}, nil
}

// List returns the recordings of room, newest first. An empty room lists all.
func (b *Browser) List(ctx context.Context, room string) ([]Recording, error) {
	prefix := strings.Trim(b.cfg.Prefix, "/") + "/"
	if room != "" {
		prefix += room + "-"
	}

	var out []Recording
	for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list recordings: %w", obj.Err)
		}
		rec, ok := parseKey(obj.Key)
		if !ok || (room != "" && rec.Room != room) {
			continue
		}
		rec.Size = obj.Size
		rec.LastModified = obj.LastModified

		u, err := b.PresignedURL(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		rec.URL = u
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (b *Browser) PresignedURL(ctx context.Context, key string) (string, error) {
	u, err := b.client.PresignedGetObject(ctx, b.cfg.Bucket, key, b.cfg.URLExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// parseKey splits "<prefix>/<room>-<unix-ms>.mp4".
func parseKey(key string) (Recording, bool) {
	m := recordingNameRe.FindStringSubmatch(path.Base(key))
	if m == nil {
		return Recording{}, false
	}
	var ms int64
	if _, err := fmt.Sscan(m[2], &ms); err != nil {
		return Recording{}, false
	}
	return Recording{Key: key, Room: m[1], StartedAt: time.UnixMilli(ms).UTC()}, true
}

// splitEndpoint accepts both "host:port" and full URLs, as egress outputs are
// configured with the latter.
func splitEndpoint(endpoint string, secure bool) (string, bool) {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host, u.Scheme == "https"
	}
	return endpoint, secure
}
