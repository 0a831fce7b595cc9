package temprepo

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds the tarball download
	DefaultTimeout = 5 * time.Minute
	// DefaultUserAgent is sent with every download request
	DefaultUserAgent = "temprepo"
)

// ProgressFunc receives the bytes downloaded so far and the expected total,
// which is -1 when the server did not send a length.
type ProgressFunc func(complete, total int64)

// Option configures a TemporaryRepository
type Option func(*options) error

type options struct {
	logger       log.FieldLogger
	tempDir      string
	timeout      time.Duration
	httpClient   *http.Client
	userAgent    string
	strictLayout bool
	maxSize      int64
	credentials  *CredentialStore
	progress     ProgressFunc
}

func newOptions(opts ...Option) (options, error) {
	o := options{
		logger:       discardLogger(),
		timeout:      DefaultTimeout,
		userAgent:    DefaultUserAgent,
		strictLayout: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}

// discardLogger is used when the caller does not supply a logger
func discardLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

// WithLogger sets the logger used for informational records
func WithLogger(logger log.FieldLogger) Option {
	return func(o *options) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithTempDir sets the parent directory of the scratch directory.
// An empty value means os.TempDir().
func WithTempDir(dir string) Option {
	return func(o *options) error {
		o.tempDir = strings.TrimSpace(dir)
		return nil
	}
}

// WithTimeout bounds the download. Zero disables the timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout < 0 {
			return fmt.Errorf("invalid timeout: %s", timeout)
		}
		o.timeout = timeout
		return nil
	}
}

// WithHTTPClient sets the client used for the download. Its Timeout takes precedence over WithTimeout.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) error {
		if client == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		o.httpClient = client
		return nil
	}
}

// WithUserAgent sets the User-Agent header of the download request
func WithUserAgent(userAgent string) Option {
	return func(o *options) error {
		o.userAgent = userAgent
		return nil
	}
}

// WithStrictLayout controls what happens when the archive does not wrap its
// content in a single directory: strict returns a LayoutError, otherwise the
// extracted tree is left as is.
func WithStrictLayout(strict bool) Option {
	return func(o *options) error {
		o.strictLayout = strict
		return nil
	}
}

// WithMaxSize limits both the downloaded and the extracted size in bytes. Zero means unlimited.
func WithMaxSize(size int64) Option {
	return func(o *options) error {
		if size < 0 {
			return fmt.Errorf("invalid max size: %d", size)
		}
		o.maxSize = size
		return nil
	}
}

// WithCredentials authenticates downloads from hosts known to store
func WithCredentials(store *CredentialStore) Option {
	return func(o *options) error {
		if store == nil {
			return fmt.Errorf("credential store cannot be nil")
		}
		o.credentials = store
		return nil
	}
}

// WithProgress reports download progress periodically while the tarball is fetched
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) error {
		o.progress = fn
		return nil
	}
}
