package pmtiles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// OpenBlobSource dispatches a declared PMTiles path to the right
// BlobSource implementation: http(s):// over HTTPS range requests,
// s3://, gs:// and azblob:// through gocloud.dev/blob, and anything else
// as a local file path.
func OpenBlobSource(ctx context.Context, path string) (BlobSource, error) {
	switch {
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return OpenHTTPSource(path, nil), nil
	case strings.HasPrefix(path, "s3://"), strings.HasPrefix(path, "gs://"), strings.HasPrefix(path, "azblob://"):
		u, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("pmtiles: parsing %q: %w", path, err)
		}
		key := strings.TrimPrefix(u.Path, "/")
		bucketURL := u.Scheme + "://" + u.Host
		return OpenCloudBlob(ctx, bucketURL, key)
	default:
		return OpenLocalFile(path)
	}
}

// BlobSource is the capability set a PMTiles archive's backing store
// needs: a byte-range read and a total length, regardless of whether the
// archive lives on local disk, behind HTTPS, or in a cloud bucket.
type BlobSource interface {
	ReadRange(ctx context.Context, offset, length uint64) ([]byte, error)
	Length(ctx context.Context) (uint64, error)
	Close() error
}

// LocalFile serves an archive straight off local disk.
type LocalFile struct {
	f *os.File
}

func OpenLocalFile(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pmtiles: opening %s: %w", path, err)
	}
	return &LocalFile{f: f}, nil
}

func (l *LocalFile) ReadRange(_ context.Context, offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := l.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *LocalFile) Length(context.Context) (uint64, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

func (l *LocalFile) Close() error { return l.f.Close() }

// HTTPSource serves an archive over HTTPS using byte-range GET requests.
type HTTPSource struct {
	url    string
	client *http.Client
}

func OpenHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{url: url, client: client}
}

func (h *HTTPSource) ReadRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pmtiles: range request to %s: status %d", h.url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (h *HTTPSource) Length(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := strconv.ParseUint(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pmtiles: no Content-Length from %s: %w", h.url, err)
	}
	return n, nil
}

func (h *HTTPSource) Close() error { return nil }

// CloudBlob serves an archive from any gocloud.dev-supported bucket
// (s3://, gs://, azblob://, file://); the driver is selected by the bucket
// URL's scheme via the blank-imported s3blob/gcsblob/azureblob/fileblob
// packages registering themselves with blob.OpenBucket.
type CloudBlob struct {
	bucket *blob.Bucket
	key    string
}

func OpenCloudBlob(ctx context.Context, bucketURL, key string) (*CloudBlob, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("pmtiles: opening bucket %s: %w", bucketURL, err)
	}
	return &CloudBlob{bucket: b, key: key}, nil
}

func (c *CloudBlob) ReadRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	r, err := c.bucket.NewRangeReader(ctx, c.key, int64(offset), int64(length), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *CloudBlob) Length(ctx context.Context) (uint64, error) {
	attrs, err := c.bucket.Attributes(ctx, c.key)
	if err != nil {
		return 0, err
	}
	return uint64(attrs.Size), nil
}

func (c *CloudBlob) Close() error { return c.bucket.Close() }
