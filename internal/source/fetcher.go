// Package source resolves a video locator (http, https, s3 or file URL) to a
// local file the frame extractor can read.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"
)

// ErrSourceUnavailable is returned when the media cannot be retrieved.
var ErrSourceUnavailable = errors.New("source unavailable")

// S3Downloader is the part of the S3 API the fetcher uses.
type S3Downloader interface {
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*s3manager.Downloader)) (int64, error)
}

type s3Client struct {
	api        s3iface.S3API
	downloader *s3manager.Downloader
}

func (c *s3Client) HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	return c.api.HeadObjectWithContext(ctx, input, opts...)
}

func (c *s3Client) DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*s3manager.Downloader)) (int64, error) {
	return c.downloader.DownloadWithContext(ctx, w, input, options...)
}

// S3Config configures the S3 client. Empty credentials fall back to the
// default AWS credential chain.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// NewS3Downloader builds a downloader from cfg.
func NewS3Downloader(cfg S3Config) (S3Downloader, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region).WithS3ForcePathStyle(cfg.ForcePathStyle)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	api := s3.New(sess)
	return &s3Client{api: api, downloader: s3manager.NewDownloaderWithClient(api)}, nil
}

// Options configures a Fetcher.
type Options struct {
	HTTPClient *http.Client
	// S3 is nil when s3 locators are not supported.
	S3 S3Downloader
	// AllowLocal permits file:// locators and bare paths.
	AllowLocal bool
	// MaxBytes caps the downloaded size. Zero means unlimited.
	MaxBytes int64
	Logger   logrus.FieldLogger
}

// Fetcher downloads media by locator.
type Fetcher struct {
	client     *http.Client
	s3         S3Downloader
	allowLocal bool
	maxBytes   int64
	log        logrus.FieldLogger
}

// NewFetcher creates a fetcher.
func NewFetcher(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		client:     client,
		s3:         opts.S3,
		allowLocal: opts.AllowLocal,
		maxBytes:   opts.MaxBytes,
		log:        logger.WithField("component", "source"),
	}
}

// Fetch retrieves locator into a new file at dstPath and returns its size.
// On failure dstPath is removed.
func (f *Fetcher) Fetch(ctx context.Context, locator, dstPath string) (int64, error) {
	u, err := url.Parse(locator)
	if err != nil || locator == "" {
		return 0, fmt.Errorf("%w: invalid locator %q", ErrSourceUnavailable, locator)
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}

	var n int64
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		n, err = f.fetchHTTP(ctx, locator, dst)
	case "s3":
		n, err = f.fetchS3(ctx, u, dst)
	case "file", "":
		n, err = f.fetchLocal(u, dst)
	default:
		err = fmt.Errorf("%w: unsupported scheme %q", ErrSourceUnavailable, u.Scheme)
	}

	closeErr := dst.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to write source file: %w", closeErr)
	}
	if err != nil {
		os.Remove(dstPath)
		return 0, err
	}

	f.log.WithFields(logrus.Fields{"locator": redact(u), "bytes": n}).Info("source fetched")
	return n, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, locator string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: unexpected status %d", ErrSourceUnavailable, resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return 0, f.tooLarge()
	}
	return f.copyLimited(dst, resp.Body)
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL, dst *os.File) (int64, error) {
	if f.s3 == nil {
		return 0, fmt.Errorf("%w: s3 sources are not configured", ErrSourceUnavailable)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return 0, fmt.Errorf("%w: s3 locator needs bucket and key", ErrSourceUnavailable)
	}
	head, err := f.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if f.maxBytes > 0 && aws.Int64Value(head.ContentLength) > f.maxBytes {
		return 0, f.tooLarge()
	}
	n, err := f.s3.DownloadWithContext(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	// the object may have been replaced after the HEAD
	if f.maxBytes > 0 && n > f.maxBytes {
		return 0, f.tooLarge()
	}
	return n, nil
}

func (f *Fetcher) fetchLocal(u *url.URL, dst io.Writer) (int64, error) {
	if !f.allowLocal {
		return 0, fmt.Errorf("%w: local sources are disabled", ErrSourceUnavailable)
	}
	path := u.Path
	if u.Scheme == "" {
		path = u.String()
	}
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer src.Close()
	return f.copyLimited(dst, src)
}

// Save copies an uploaded body into a new file at dstPath.
func (f *Fetcher) Save(r io.Reader, dstPath string) (int64, error) {
	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}
	n, err := f.copyLimited(dst, r)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dstPath)
		return 0, err
	}
	return n, nil
}

func (f *Fetcher) copyLimited(dst io.Writer, src io.Reader) (int64, error) {
	if f.maxBytes > 0 {
		src = io.LimitReader(src, f.maxBytes+1)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return 0, f.tooLarge()
	}
	return n, nil
}

// tooLarge reports a source over the size cap as an *http.MaxBytesError.
func (f *Fetcher) tooLarge() error {
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, &http.MaxBytesError{Limit: f.maxBytes})
}

func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
