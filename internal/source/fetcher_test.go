package source_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"video-segmentation/internal/source"
)

type fakeS3 struct {
	body      string
	bucket    string
	key       string
	downloads int
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	if f.body == "" {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(f.body)))}, nil
}

func (f *fakeS3) DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*s3manager.Downloader)) (int64, error) {
	f.bucket, f.key = aws.StringValue(input.Bucket), aws.StringValue(input.Key)
	f.downloads++
	if f.body == "" {
		return 0, errors.New("NoSuchKey")
	}
	n, err := w.WriteAt([]byte(f.body), 0)
	return int64(n), err
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestFetch_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clip.mp4" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "video-bytes")
	}))
	defer srv.Close()

	f := source.NewFetcher(source.Options{Logger: quietLogger()})
	dst := filepath.Join(t.TempDir(), "src")

	n, err := f.Fetch(context.Background(), srv.URL+"/clip.mp4", dst)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n != int64(len("video-bytes")) {
		t.Errorf("n = %d", n)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "video-bytes" {
		t.Errorf("file = %q", data)
	}

	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := f.Fetch(context.Background(), srv.URL+"/nope.mp4", missing); !errors.Is(err, source.ErrSourceUnavailable) {
		t.Errorf("Fetch(404) error = %v, want ErrSourceUnavailable", err)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("destination left behind after failed fetch")
	}
}

func TestFetch_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	f := source.NewFetcher(source.Options{MaxBytes: 10, Logger: quietLogger()})
	_, err := f.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "src"))
	if !errors.Is(err, source.ErrSourceUnavailable) {
		t.Errorf("Fetch() error = %v, want ErrSourceUnavailable", err)
	}
	var tooLarge *http.MaxBytesError
	if !errors.As(err, &tooLarge) || tooLarge.Limit != 10 {
		t.Errorf("Fetch() error = %v, want *http.MaxBytesError with limit 10", err)
	}
}

func TestFetch_SizeLimitChunked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 10; i++ {
			io.WriteString(w, strings.Repeat("x", 10))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	f := source.NewFetcher(source.Options{MaxBytes: 10, Logger: quietLogger()})
	_, err := f.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "src"))
	var tooLarge *http.MaxBytesError
	if !errors.As(err, &tooLarge) {
		t.Errorf("Fetch() error = %v, want *http.MaxBytesError", err)
	}
}

func TestFetch_S3SizeLimit(t *testing.T) {
	dl := &fakeS3{body: "a large object"}
	f := source.NewFetcher(source.Options{S3: dl, MaxBytes: 4, Logger: quietLogger()})

	_, err := f.Fetch(context.Background(), "s3://media/big.mp4", filepath.Join(t.TempDir(), "src"))
	var tooLarge *http.MaxBytesError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("Fetch() error = %v, want *http.MaxBytesError", err)
	}
	if dl.downloads != 0 {
		t.Errorf("downloads = %d, want the object rejected before download", dl.downloads)
	}
}

func TestFetch_S3(t *testing.T) {
	dl := &fakeS3{body: "object"}
	f := source.NewFetcher(source.Options{S3: dl, Logger: quietLogger()})

	if _, err := f.Fetch(context.Background(), "s3://media/videos/a.mp4", filepath.Join(t.TempDir(), "src")); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if dl.bucket != "media" || dl.key != "videos/a.mp4" {
		t.Errorf("bucket/key = %s/%s", dl.bucket, dl.key)
	}

	dl.body = ""
	if _, err := f.Fetch(context.Background(), "s3://media/missing.mp4", filepath.Join(t.TempDir(), "src")); !errors.Is(err, source.ErrSourceUnavailable) {
		t.Errorf("Fetch(missing) error = %v, want ErrSourceUnavailable", err)
	}
}

func TestFetch_Rejected(t *testing.T) {
	local := filepath.Join(t.TempDir(), "local.mp4")
	os.WriteFile(local, []byte("v"), 0o644)

	f := source.NewFetcher(source.Options{Logger: quietLogger()})
	tests := []string{
		"",
		"ftp://host/video.mp4",
		"s3://bucket/key.mp4",
		"file://" + local,
		local,
	}
	for _, locator := range tests {
		t.Run(locator, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), locator, filepath.Join(t.TempDir(), "src"))
			if !errors.Is(err, source.ErrSourceUnavailable) {
				t.Errorf("Fetch() error = %v, want ErrSourceUnavailable", err)
			}
		})
	}
}

func TestFetch_Local(t *testing.T) {
	local := filepath.Join(t.TempDir(), "local.mp4")
	os.WriteFile(local, []byte("local-video"), 0o644)

	f := source.NewFetcher(source.Options{AllowLocal: true, Logger: quietLogger()})
	for _, locator := range []string{"file://" + local, local} {
		n, err := f.Fetch(context.Background(), locator, filepath.Join(t.TempDir(), "src"))
		if err != nil {
			t.Fatalf("Fetch(%s) error = %v", locator, err)
		}
		if n != int64(len("local-video")) {
			t.Errorf("n = %d", n)
		}
	}
}

func TestSave(t *testing.T) {
	f := source.NewFetcher(source.Options{MaxBytes: 4, Logger: quietLogger()})
	dst := filepath.Join(t.TempDir(), "upload")

	if _, err := f.Save(strings.NewReader("abc"), dst); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	_, err := f.Save(strings.NewReader("abcdef"), dst)
	if !errors.Is(err, source.ErrSourceUnavailable) {
		t.Errorf("Save() oversized error = %v, want ErrSourceUnavailable", err)
	}
	var tooLarge *http.MaxBytesError
	if !errors.As(err, &tooLarge) {
		t.Errorf("Save() oversized error = %v, want *http.MaxBytesError", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("oversized upload left behind")
	}
}
