// Package audio resolves recognition audio from URIs and splits it into
// bounded chunks for streaming to the engine.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Errors returned by Resolver.
var (
	ErrSchemeNotAllowed = errors.New("uri scheme not allowed")
	ErrUnsupportedURI   = errors.New("unsupported uri")
)

// DefaultChunkSize is the read size used when streaming a URI.
const DefaultChunkSize = 8 * 1024 * 1024

// Resolver opens audio behind file, http(s), gs and s3 URIs. Cloud clients
// are created on first use with ambient credentials.
type Resolver struct {
	allowed    map[string]bool
	httpClient *http.Client
	chunkSize  int
	logger     zerolog.Logger

	mu  sync.Mutex
	gcs *storage.Client
	s3  *s3.Client
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAllowedSchemes restricts the schemes Open accepts. Without this
// option every supported scheme is allowed; an empty list allows none.
func WithAllowedSchemes(schemes []string) Option {
	return func(r *Resolver) {
		r.allowed = make(map[string]bool, len(schemes))
		for _, s := range schemes {
			s = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(s, "://")))
			if s != "" {
				r.allowed[s] = true
			}
		}
	}
}

// WithHTTPClient sets the client used for http and https URIs.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// WithHTTPTimeout sets the timeout of the default HTTP client.
func WithHTTPTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.httpClient = &http.Client{Timeout: d} }
}

// WithChunkSize sets the chunk size used by Chunks.
func WithChunkSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithStorageClient sets the client used for gs URIs.
func WithStorageClient(c *storage.Client) Option {
	return func(r *Resolver) { r.gcs = c }
}

// WithS3Client sets the client used for s3 URIs.
func WithS3Client(c *s3.Client) Option {
	return func(r *Resolver) { r.s3 = c }
}

// WithLogger sets the resolver logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		chunkSize:  DefaultChunkSize,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ChunkSize returns the configured chunk size.
func (r *Resolver) ChunkSize() int {
	return r.chunkSize
}

// Allowed reports whether uri uses a permitted scheme.
func (r *Resolver) Allowed(uri string) bool {
	if r.allowed == nil {
		return true
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return r.allowed[strings.ToLower(u.Scheme)]
}

// AllowedSchemes returns the permitted schemes, or nil when all are.
func (r *Resolver) AllowedSchemes() []string {
	if r.allowed == nil {
		return nil
	}
	out := make([]string, 0, len(r.allowed))
	for s := range r.allowed {
		out = append(out, s)
	}
	return out
}

// Open returns a reader for the audio behind uri.
func (r *Resolver) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("audio: %w: %v", ErrUnsupportedURI, err)
	}
	if !r.Allowed(uri) {
		return nil, fmt.Errorf("audio: %w: %s", ErrSchemeNotAllowed, u.Scheme)
	}

	r.logger.Debug().Str("uri", uri).Msg("Opening audio")

	switch strings.ToLower(u.Scheme) {
	case "file":
		return r.openFile(u)
	case "http", "https":
		return r.openHTTP(ctx, uri)
	case "gs":
		return r.openGCS(ctx, u)
	case "s3":
		return r.openS3(ctx, u)
	default:
		return nil, fmt.Errorf("audio: %w: scheme %q", ErrUnsupportedURI, u.Scheme)
	}
}

// ReadAll returns the whole audio behind uri.
func (r *Resolver) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	rc, err := r.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("audio: read %s: %w", uri, err)
	}
	return b, nil
}

func (r *Resolver) openFile(u *url.URL) (io.ReadCloser, error) {
	// file:///abs/path has an empty host; file://rel/path puts the first
	// segment in the host.
	path := u.Host + u.Path
	if path == "" {
		path = u.Opaque
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	return f, nil
}

func (r *Resolver) openHTTP(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio: fetch %s: %w", uri, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("audio: fetch %s: status %d", uri, resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *Resolver) openGCS(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	bucket, object := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("audio: %w: gs uri needs bucket and object", ErrUnsupportedURI)
	}

	r.mu.Lock()
	if r.gcs == nil {
		c, err := storage.NewClient(ctx)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("audio: storage client: %w", err)
		}
		r.gcs = c
	}
	client := r.gcs
	r.mu.Unlock()

	rc, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("audio: gs://%s/%s: %w", bucket, object, err)
	}
	return rc, nil
}

func (r *Resolver) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("audio: %w: s3 uri needs bucket and key", ErrUnsupportedURI)
	}

	r.mu.Lock()
	if r.s3 == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("audio: aws config: %w", err)
		}
		r.s3 = s3.NewFromConfig(cfg)
	}
	client := r.s3
	r.mu.Unlock()

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("audio: s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// Close releases the cloud clients.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcs != nil {
		return r.gcs.Close()
	}
	return nil
}
