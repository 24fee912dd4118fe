package datasets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
)

// MaxSourceBytes caps how much a question source may return.
const MaxSourceBytes = 256 << 20

// Source reads question data.
type Source interface {
	Read(ctx context.Context) (io.ReadCloser, error)
}

// Sink stores exported data.
type Sink interface {
	// Write stores everything read from data.
	Write(ctx context.Context, data io.Reader) error
	// URI names the written location.
	URI() string
}

// NewSource creates a Source from a DataSource.
func NewSource(ds DataSource) (Source, error) {
	switch {
	case ds.LocalFile != nil:
		return localFile{path: ds.LocalFile.Path}, nil
	case ds.S3 != nil:
		return newS3Object(ds.S3)
	case ds.URL != nil:
		if ds.URL.URL == "" {
			return nil, errors.New("url is empty")
		}
		return httpSource{url: ds.URL.URL, headers: ds.URL.Headers, client: sourceHTTPClient}, nil
	case ds.Inline != nil:
		return inlineSource(ds.Inline.Data), nil
	default:
		return nil, errors.New("no data source specified")
	}
}

// NewSink creates a Sink from a DataSource. Only local files and S3 objects
// can be written.
func NewSink(ds DataSource) (Sink, error) {
	switch {
	case ds.LocalFile != nil:
		if ds.LocalFile.Path == "" {
			return nil, errors.New("path is empty")
		}
		return localFile{path: ds.LocalFile.Path}, nil
	case ds.S3 != nil:
		return newS3Object(ds.S3)
	default:
		return nil, errors.New("destination must be a local file or S3 object")
	}
}

type localFile struct {
	path string
}

func (l localFile) Read(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(l.path)
}

// Write replaces the file through a temporary sibling so readers never see
// a partial export.
func (l localFile) Write(ctx context.Context, data io.Reader) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (l localFile) URI() string {
	return l.path
}

type inlineSource []byte

func (i inlineSource) Read(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(i)), nil
}

var sourceHTTPClient = &http.Client{Timeout: 5 * time.Minute}

type httpSource struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// Read fetches the URL. Transport errors and 5xx replies are retried a
// few times.
func (u httpSource) Read(ctx context.Context) (io.ReadCloser, error) {
	fetch := func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for k, v := range u.headers {
			req.Header.Set(k, v)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, fmt.Errorf("failed to fetch URL: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			if resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return limitedBody{Reader: io.LimitReader(resp.Body, MaxSourceBytes), Closer: resp.Body}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	return backoff.RetryWithData(fetch, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
}

type limitedBody struct {
	io.Reader
	io.Closer
}

// s3Object is an object in Amazon S3 or an S3-compatible store.
type s3Object struct {
	src S3Source
}

func newS3Object(src *S3Source) (s3Object, error) {
	if src.Bucket == "" || src.Key == "" {
		return s3Object{}, errors.New("s3 bucket and key are required")
	}
	return s3Object{src: *src}, nil
}

func (o s3Object) client(ctx context.Context) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if o.src.Region != "" {
		opts = append(opts, config.WithRegion(o.src.Region))
	}
	if o.src.AccessKeyID != "" && o.src.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.src.AccessKeyID, o.src.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if o.src.Endpoint != "" {
		s3Opts = append(s3Opts, func(so *s3.Options) {
			so.BaseEndpoint = aws.String(o.src.Endpoint)
			so.UsePathStyle = true // most S3-compatible stores need it
		})
	}
	return s3.NewFromConfig(cfg, s3Opts...), nil
}

func (o s3Object) Read(ctx context.Context) (io.ReadCloser, error) {
	client, err := o.client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.src.Bucket),
		Key:    aws.String(o.src.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", o.src.Bucket, o.src.Key, err)
	}
	return limitedBody{Reader: io.LimitReader(out.Body, MaxSourceBytes), Closer: out.Body}, nil
}

// Write uploads data in one PutObject. The body is buffered so the request
// carries a content length.
func (o s3Object) Write(ctx context.Context, data io.Reader) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read export data: %w", err)
	}
	client, err := o.client(ctx)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(o.src.Bucket),
		Key:           aws.String(o.src.Key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if format, err := FormatFromPath(o.src.Key); err == nil {
		input.ContentType = aws.String(format.ContentType())
	}
	if _, err := client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put %s: %w", o.URI(), err)
	}
	return nil
}

func (o s3Object) URI() string {
	return fmt.Sprintf("s3://%s/%s", o.src.Bucket, o.src.Key)
}
