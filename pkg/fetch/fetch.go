/*
Copyright 2025 The Photark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fetch retrieves extension archives from local and remote
// sources. Supported source forms:
//
//	/path/to/bundle.zip        local file
//	file:///path/to/bundle.zip local file
//	https://host/bundle.zip    HTTP or HTTPS download
//	gs://bucket/bundle.zip     Google Cloud Storage object
//	s3://bucket/bundle.zip     Amazon S3 object
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// ErrDigestMismatch is the cause when a downloaded archive does not match
// the digest the caller pinned.
var ErrDigestMismatch = errors.New("archive digest mismatch")

// Fetcher downloads archives. The zero value is not usable, call New.
type Fetcher struct {
	httpClient *http.Client
	gcsOptions []option.ClientOption
	logger     *logrus.Entry

	// Transport seams, swapped in tests.
	gcsOpen    func(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	s3Download func(ctx context.Context, bucket, key string) ([]byte, error)
}

// New returns a Fetcher using ambient cloud credentials.
func New(gcsOptions ...option.ClientOption) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		gcsOptions: gcsOptions,
		logger:     logrus.WithField("component", "fetch"),
	}
	f.gcsOpen = f.openGCS
	f.s3Download = f.downloadS3
	return f
}

// Fetch returns the archive bytes behind source.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" {
		return f.readLocal(source)
	}

	switch u.Scheme {
	case "file":
		return f.readLocal(u.Path)
	case "http", "https":
		return f.fetchHTTP(ctx, source)
	case "gs":
		bucket, object, err := splitObjectURL(u)
		if err != nil {
			return nil, err
		}
		return f.fetchGCS(ctx, bucket, object)
	case "s3":
		bucket, key, err := splitObjectURL(u)
		if err != nil {
			return nil, err
		}
		return f.s3Download(ctx, bucket, key)
	default:
		return nil, errors.Errorf("unsupported archive source scheme %q", u.Scheme)
	}
}

// FetchVerified fetches source and checks the payload against a pinned
// SHA-256 digest. The digest may carry a "sha256:" prefix.
func (f *Fetcher) FetchVerified(ctx context.Context, source, digest string) ([]byte, error) {
	data, err := f.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	want := strings.ToLower(strings.TrimPrefix(digest, "sha256:"))
	got := SHA256(data)
	if got != want {
		return nil, errors.Wrapf(ErrDigestMismatch, "got %s, want %s", got, want)
	}
	return data, nil
}

// SHA256 returns the lowercase hex digest of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (f *Fetcher) readLocal(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading archive %s", path)
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", source)
	}

	f.logger.WithField("source", source).Debug("downloading archive")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %s", source)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("downloading %s: unexpected status %s", source, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response for %s", source)
	}
	return data, nil
}

func (f *Fetcher) fetchGCS(ctx context.Context, bucket, object string) ([]byte, error) {
	r, err := f.gcsOpen(ctx, bucket, object)
	if err != nil {
		return nil, errors.Wrapf(err, "opening gs://%s/%s", bucket, object)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading gs://%s/%s", bucket, object)
	}
	return data, nil
}

func (f *Fetcher) openGCS(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	client, err := storage.NewClient(ctx, f.gcsOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "building GCS client")
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &gcsReader{ReadCloser: r, client: client}, nil
}

// gcsReader ties the client lifetime to the object reader.
type gcsReader struct {
	io.ReadCloser
	client *storage.Client
}

func (r *gcsReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (f *Fetcher) downloadS3(ctx context.Context, bucket, key string) ([]byte, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}

	f.logger.WithField("source", "s3://"+bucket+"/"+key).Debug("downloading archive")
	downloader := manager.NewDownloader(s3.NewFromConfig(cfg))
	buf := manager.NewWriteAtBuffer(nil)
	_, err = downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "downloading s3://%s/%s", bucket, key)
	}
	return buf.Bytes(), nil
}

func splitObjectURL(u *url.URL) (bucket, object string, err error) {
	bucket = u.Host
	object = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || object == "" {
		return "", "", errors.Errorf("source %s needs bucket and object", u.String())
	}
	return bucket, object, nil
}
