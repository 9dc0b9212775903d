// Package fetch retrieves remote resources for the worker: plain HTTP(S)
// URLs through net/http and s3:// URLs through the AWS SDK. The fetched body
// is returned as a live stream so payloads are never buffered here.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dusklabs/penumbra/internal/logging"
)

// SizeUnknown is returned when the source does not declare a content length.
const SizeUnknown int64 = -1

// Options configures a Fetcher. Zero values fall back to a default HTTP
// client and the ambient AWS credential chain.
type Options struct {
	HTTPClient  *http.Client
	S3Region    string
	S3Endpoint  string // non-AWS endpoints (e.g. MinIO); enables path style
	S3AccessKey string
	S3SecretKey string
}

// Result is one fetched resource: a live body stream plus whatever metadata
// the source declared. Size is SizeUnknown when undeclared.
type Result struct {
	Body     io.ReadCloser
	Size     int64
	Mimetype string
}

type Fetcher struct {
	http   *http.Client
	logger logging.Logger
	opts   Options
}

func New(logger logging.Logger, opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{http: client, logger: logger.With("module", "fetch"), opts: opts}
}

// Fetch opens the resource at rawURL. Supported schemes: http, https, s3.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL, header)
	case "s3":
		return f.fetchS3(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string, header http.Header) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("fetch failed: %s; body: %s", resp.Status, string(b))
	}

	size := resp.ContentLength
	if size < 0 {
		size = SizeUnknown
	}

	return &Result{
		Body:     resp.Body,
		Size:     size,
		Mimetype: mediaType(resp.Header.Get("Content-Type")),
	}, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL) (*Result, error) {
	client, err := f.s3Client(ctx)
	if err != nil {
		return nil, err
	}

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object %s/%s: %w", bucket, key, err)
	}

	size := SizeUnknown
	if out.ContentLength != nil {
		size = *out.ContentLength
	}

	return &Result{
		Body:     out.Body,
		Size:     size,
		Mimetype: mediaType(aws.ToString(out.ContentType)),
	}, nil
}

func (f *Fetcher) s3Client(ctx context.Context) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if f.opts.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(f.opts.S3Region))
	}
	if f.opts.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(f.opts.S3AccessKey, f.opts.S3SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if f.opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(f.opts.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// mediaType strips parameters from a Content-Type header value.
func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}
