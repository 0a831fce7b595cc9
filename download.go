package temprepo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/google/uuid"
)

// archiveFilename returns a unique name for the downloaded tarball inside dir
func archiveFilename(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("temp_%s.tar.gz", uuid.New()))
}

func (o options) grabClient() *grab.Client {
	httpClient := &http.Client{Timeout: o.timeout}
	if o.httpClient != nil {
		copied := *o.httpClient
		httpClient = &copied
	}
	if o.maxSize > 0 {
		httpClient.Transport = &limitedTransport{base: httpClient.Transport, limit: o.maxSize}
	}

	client := grab.NewClient()
	client.HTTPClient = httpClient
	client.UserAgent = o.userAgent
	return client
}

// limitedTransport fails response bodies that grow beyond limit bytes, so a
// response without Content-Length cannot fill the disk
type limitedTransport struct {
	base  http.RoundTripper
	limit int64
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &limitedBody{ReadCloser: resp.Body, limit: t.limit}
	return resp, nil
}

type limitedBody struct {
	io.ReadCloser
	limit int64
	read  int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.read > b.limit {
		return 0, b.tooLarge()
	}
	if remaining := b.limit + 1 - b.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	if b.read > b.limit {
		return n - int(b.read-b.limit), b.tooLarge()
	}
	return n, err
}

func (b *limitedBody) tooLarge() error {
	return fmt.Errorf("tarball exceeds limit of %d bytes", b.limit)
}

const progressInterval = 500 * time.Millisecond

// reportProgress calls fn until the transfer completes
func reportProgress(resp *grab.Response, fn ProgressFunc) {
	t := time.NewTicker(progressInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			fn(resp.BytesComplete(), resp.Size())
		case <-resp.Done:
			fn(resp.BytesComplete(), resp.Size())
			return
		}
	}
}

// downloadFile fetches url into dst and returns the number of bytes written
func downloadFile(ctx context.Context, o options, url, dst string) (int64, error) {
	req, err := grab.NewRequest(dst, url)
	if err != nil {
		return 0, &TransportError{URL: url, Err: err}
	}
	req = req.WithContext(ctx)
	req.NoResume = true
	req.IgnoreRemoteTime = true
	req.NoCreateDirectories = true
	o.credentials.apply(req.HTTPRequest)
	if o.maxSize > 0 {
		req.BeforeCopy = func(resp *grab.Response) error {
			if resp.HTTPResponse.ContentLength > o.maxSize {
				return fmt.Errorf("tarball size %d exceeds limit of %d bytes", resp.HTTPResponse.ContentLength, o.maxSize)
			}
			return nil
		}
	}

	resp := o.grabClient().Do(req)
	if o.progress != nil {
		reportProgress(resp, o.progress)
	}
	if err := resp.Err(); err != nil {
		return 0, &TransportError{URL: url, Err: err}
	}

	written := resp.BytesComplete()
	downloadedBytesMetric.Add(float64(written))
	if o.maxSize > 0 && written > o.maxSize {
		return written, &TransportError{URL: url, Err: fmt.Errorf("tarball size %d exceeds limit of %d bytes", written, o.maxSize)}
	}
	return written, nil
}
