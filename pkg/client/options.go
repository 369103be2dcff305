// Package client implements the HTTP integration connection to the IoT
// broker: request publication with direct or presigned file transfer, file
// delete and download, and access-token lifecycle handling.
package client

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-http-client/pkg/file"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 2 * time.Minute
)

// config collects the adjustable pieces of a Connection.
type config struct {
	httpClient *http.Client
	fileOps    file.FileOperations
	logger     zerolog.Logger
	useLark    bool
	autoUpload bool
}

// Option configures a Connection at construction time.
type Option func(*config)

// WithHTTPClient supplies a custom HTTP client, overriding the default
// timeouts. Use this to control the connection pool, proxy or TLS setup.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithUseLark switches publishes to indirect mode: the initial request
// carries only file metadata and the bytes are uploaded afterwards to
// broker-issued presigned URLs.
func WithUseLark(useLark bool) Option {
	return func(c *config) {
		c.useLark = useLark
	}
}

// WithAutoUpload controls whether the connection performs the second-phase
// presigned uploads itself. When disabled the caller uploads out-of-band
// using the UriInfo records in the publish response. Default is enabled.
func WithAutoUpload(autoUpload bool) Option {
	return func(c *config) {
		c.autoUpload = autoUpload
	}
}

// WithLogger sets the connection's logger. Default is a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithFileOperations supplies a custom file capability, mainly for tests.
func WithFileOperations(fileOps file.FileOperations) Option {
	return func(c *config) {
		c.fileOps = fileOps
	}
}

// defaultHTTPClient mirrors the transport settings the broker expects:
// bounded dial time, generous read/write window for large file bodies, no
// internal retry.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultRequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
		},
	}
}
