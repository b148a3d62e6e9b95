package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// mirrors
	_ "gocloud.dev/blob/gcsblob"  // gs:// mirrors
	_ "gocloud.dev/blob/memblob"  // mem:// mirrors
	_ "gocloud.dev/blob/s3blob"   // s3:// mirrors
	"gocloud.dev/gcerrors"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
)

// Body is an open remote artifact.
type Body struct {
	io.ReadCloser
	// Size is the advertised length, or -1 when the origin does not say.
	Size int64
}

// Origin opens the remote artifact for a work item.
type Origin interface {
	Open(ctx context.Context, item catalog.WorkItem) (*Body, error)
	// Describe returns where the item is read from, for logs.
	Describe(item catalog.WorkItem) string
}

// NewOrigin picks an origin implementation from the URL scheme. HTTP(S) URLs
// use HTTPOrigin; bucket URLs (gs, s3, file, mem) use BucketOrigin.
func NewOrigin(ctx context.Context, rawURL string, rateLimit float64) (Origin, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		client := &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		return NewHTTPOrigin(rawURL, client, rateLimit), nil
	default:
		return OpenBucketOrigin(ctx, rawURL)
	}
}

// HTTPOrigin downloads from {base}/{type}/{filename}.
type HTTPOrigin struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPOrigin creates an HTTP origin. rps limits request starts per second;
// zero disables limiting.
func NewHTTPOrigin(baseURL string, client *http.Client, rps float64) *HTTPOrigin {
	if client == nil {
		client = http.DefaultClient
	}
	o := &HTTPOrigin{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return o
}

// URL returns the download URL for an item.
func (o *HTTPOrigin) URL(item catalog.WorkItem) string {
	return fmt.Sprintf("%s/%s/%s", o.baseURL, item.Type, item.Filename())
}

func (o *HTTPOrigin) Describe(item catalog.WorkItem) string {
	return o.URL(item)
}

func (o *HTTPOrigin) Open(ctx context.Context, item catalog.WorkItem) (*Body, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	url := o.URL(item)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "tripdata-loader")
	// The artifact is already compressed; keep the transport from decoding it.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	return &Body{ReadCloser: resp.Body, Size: resp.ContentLength}, nil
}

// BucketOrigin reads artifacts from a mirror bucket laid out as
// {prefix}{type}/{filename}.
type BucketOrigin struct {
	bucket *blob.Bucket
	url    string
	prefix string
}

// OpenBucketOrigin opens a mirror from a gocloud URL such as
// gs://bucket/prefix or file:///srv/mirror.
func OpenBucketOrigin(ctx context.Context, rawURL string) (*BucketOrigin, error) {
	bucketURL, prefix := rawURL, ""
	if scheme, rest, ok := strings.Cut(rawURL, "://"); ok && scheme != "file" && scheme != "mem" {
		if name, p, ok := strings.Cut(rest, "/"); ok {
			bucketURL = scheme + "://" + name
			prefix = strings.TrimSuffix(p, "/")
			if prefix != "" {
				prefix += "/"
			}
		}
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open origin bucket %s: %w", bucketURL, err)
	}
	return NewBucketOrigin(bucket, rawURL, prefix), nil
}

// NewBucketOrigin wraps an already opened bucket.
func NewBucketOrigin(bucket *blob.Bucket, url, prefix string) *BucketOrigin {
	return &BucketOrigin{bucket: bucket, url: url, prefix: prefix}
}

func (o *BucketOrigin) key(item catalog.WorkItem) string {
	return o.prefix + item.StagingKey()
}

func (o *BucketOrigin) Describe(item catalog.WorkItem) string {
	return strings.TrimSuffix(o.url, "/") + "/" + item.StagingKey()
}

func (o *BucketOrigin) Open(ctx context.Context, item catalog.WorkItem) (*Body, error) {
	key := o.key(item)
	r, err := o.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, &StatusError{Code: http.StatusNotFound, URL: o.Describe(item)}
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return &Body{ReadCloser: r, Size: r.Size()}, nil
}

// Close releases the bucket.
func (o *BucketOrigin) Close() error {
	return o.bucket.Close()
}

var (
	_ Origin = (*HTTPOrigin)(nil)
	_ Origin = (*BucketOrigin)(nil)
)
