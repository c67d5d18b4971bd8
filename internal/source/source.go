// Package source turns a file reference into a local, uncompressed file the
// database engines can bulk-load.
//
// Supported references:
//
//	/data/stock.csv             local path (also file:///data/stock.csv)
//	s3://bucket/key.csv         Amazon S3 or any S3-compatible store
//	gs://bucket/key.csv         Google Cloud Storage
//	az://container/blob.csv     Azure Blob Storage
//
// Names ending in .gz or .zst are decompressed on the way, and a leading
// UTF-8 BOM is dropped. Every resolved file carries an xxh3 checksum of the
// bytes that will be loaded.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

// Config holds credentials and locations for remote sources.
type Config struct {
	TempDir string

	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	GCSCredentialsFile string

	AzureAccountName string
	AzureAccountKey  string
}

// Fetcher opens a remote object for reading.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// File is a resolved, local, uncompressed file.
type File struct {
	Path     string
	Checksum string
	Size     int64

	temp bool
}

// Close removes the file if the resolver created it.
func (f *File) Close() error {
	if f == nil || !f.temp {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file: %w", err)
	}
	return nil
}

// Resolver resolves file references. Remote clients are created lazily on
// first use and reused afterwards.
type Resolver struct {
	cfg Config

	mu       sync.Mutex
	fetchers map[string]Fetcher
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	return &Resolver{cfg: cfg, fetchers: make(map[string]Fetcher)}
}

// SetFetcher overrides the fetcher used for scheme ("s3", "gs" or "az").
func (r *Resolver) SetFetcher(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[scheme] = f
}

func (r *Resolver) fetcher(ctx context.Context, scheme string) (Fetcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.fetchers[scheme]; ok {
		return f, nil
	}

	var (
		f   Fetcher
		err error
	)
	switch scheme {
	case "s3":
		f, err = newS3Fetcher(ctx, r.cfg)
	case "gs":
		f, err = newGCSFetcher(ctx, r.cfg)
	case "az":
		f, err = newAzureFetcher(r.cfg)
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", scheme)
	}
	if err != nil {
		return nil, err
	}
	r.fetchers[scheme] = f
	return f, nil
}

// Resolve materialises ref as a local file. The caller must Close the result.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*File, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Scheme == "file" || len(u.Scheme) == 1 {
		// Plain paths, file:// URLs and Windows drive letters.
		p := ref
		if err == nil && u.Scheme == "file" {
			p = u.Path
		}
		return r.resolveLocal(p)
	}

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("source %q: expected %s://bucket/key", ref, u.Scheme)
	}

	f, err := r.fetcher(ctx, u.Scheme)
	if err != nil {
		return nil, err
	}
	body, err := f.Fetch(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer body.Close()

	slog.Debug("fetching remote source", "scheme", u.Scheme, "bucket", bucket, "key", key)
	return r.materialise(body, key)
}

func (r *Resolver) resolveLocal(p string) (*File, error) {
	in, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	if compression(p) != "" || hasBOM(in) {
		return r.materialise(in, p)
	}

	h := xxh3.New()
	n, err := io.Copy(h, in)
	if err != nil {
		return nil, fmt.Errorf("checksum %s: %w", p, err)
	}
	return &File{Path: p, Checksum: hexSum(h), Size: n}, nil
}

// materialise copies src into a temp file, decompressing by name and
// dropping a leading BOM, and checksums what it writes.
func (r *Resolver) materialise(src io.Reader, name string) (_ *File, err error) {
	decoded, closeReader, err := decompress(src, name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer closeReader()
	reader := skipBOM(decoded)

	base := name
	if compression(name) != "" {
		base = strings.TrimSuffix(name, path.Ext(name))
	}
	out, err := os.CreateTemp(r.cfg.TempDir, "csvmerge-*"+path.Ext(base))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(out.Name())
		}
	}()

	h := xxh3.New()
	n, err := io.Copy(io.MultiWriter(out, h), reader)
	if err != nil {
		return nil, fmt.Errorf("copy %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return &File{Path: out.Name(), Checksum: hexSum(h), Size: n, temp: true}, nil
}

func compression(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz", ".gzip":
		return "gzip"
	case ".zst", ".zstd":
		return "zstd"
	default:
		return ""
	}
}

func decompress(src io.Reader, name string) (io.Reader, func(), error) {
	switch compression(name) {
	case "gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case "zstd":
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	default:
		return src, func() {}, nil
	}
}

func hexSum(h *xxh3.Hasher) string {
	return fmt.Sprintf("%016x", h.Sum64())
}
