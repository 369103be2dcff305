package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-http-client/pkg/file"
	"github.com/benmeehan/iot-http-client/pkg/models"
	"github.com/benmeehan/iot-http-client/pkg/progress"
	"github.com/benmeehan/iot-http-client/pkg/request"
	"github.com/benmeehan/iot-http-client/pkg/token"
)

const (
	integrationPath = "/connect-service/v2.1/integration"
	filesPath       = "/connect-service/v2.1/files"

	accessTokenHeader = "apim-accesstoken"
	messageFormField  = "enos-message"

	// larkURIScheme marks file URIs whose content lives behind a presigned
	// download URL instead of the broker's own download endpoint.
	larkURIScheme = "enos-lark://"
)

// IntegrationCallback receives the outcome of an asynchronous publish or
// delete. Exactly one of the two methods is invoked per call, on a
// goroutine owned by the connection.
type IntegrationCallback interface {
	OnResponse(response *models.Response)
	OnFailure(err error)
}

// FileCallback receives the outcome of an asynchronous download. Exactly
// one of the two methods is invoked per call. The callback owns the stream
// and must close it.
type FileCallback interface {
	OnResponse(content io.ReadCloser)
	OnFailure(err error)
}

// Connection is a client for the IoT integration broker. One instance is
// safe for concurrent use; all calls share the access token and the
// underlying HTTP connection pool.
type Connection struct {
	brokerURL string
	orgID     string

	useLark    bool
	autoUpload bool

	httpClient *http.Client
	tokens     token.ManagerInterface
	fileOps    file.FileOperations
	logger     zerolog.Logger

	seqID atomic.Int64

	// pending tracks in-flight asynchronous requests by id.
	pending cmap.ConcurrentMap[string, string]
}

// NewConnection creates a broker connection and starts a background fetch
// of the initial access token so the first publish usually finds one ready.
func NewConnection(brokerURL, tokenServerURL, appKey, appSecret, orgID string, opts ...Option) *Connection {
	cfg := &config{
		autoUpload: true,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = defaultHTTPClient()
	}
	if cfg.fileOps == nil {
		cfg.fileOps = file.NewFileService()
	}

	conn := &Connection{
		brokerURL:  brokerURL,
		orgID:      orgID,
		useLark:    cfg.useLark,
		autoUpload: cfg.autoUpload,
		httpClient: cfg.httpClient,
		tokens:     token.NewManager(tokenServerURL, appKey, appSecret, cfg.httpClient, cfg.logger),
		fileOps:    cfg.fileOps,
		logger:     cfg.logger,
		pending:    cmap.New[string](),
	}

	go func() {
		if err := conn.tokens.EnsureValid(context.Background()); err != nil {
			conn.logger.Warn().Err(err).Msg("Initial token fetch did not complete")
		}
	}()

	return conn
}

// UseLark reports whether the connection publishes in indirect mode.
func (c *Connection) UseLark() bool { return c.useLark }

// AutoUpload reports whether the connection performs presigned uploads itself.
func (c *Connection) AutoUpload() bool { return c.autoUpload }

// PendingRequests returns the number of in-flight asynchronous requests.
func (c *Connection) PendingRequests() int { return c.pending.Count() }

// Publish sends an integration request to the broker and returns the
// decoded envelope. In indirect mode with attached files, the second-phase
// presigned uploads run before Publish returns; their failures are logged
// and never affect the returned response.
func (c *Connection) Publish(ctx context.Context, req *request.IntegrationRequest, listener progress.Listener) (*models.Response, error) {
	httpReq, err := c.newPublishRequest(ctx, req, listener)
	if err != nil {
		return nil, err
	}

	response, err := c.executeEnvelope(httpReq)
	if err != nil {
		return nil, err
	}

	if c.useLark && len(req.Files()) > 0 {
		c.completeIndirectUpload(ctx, req, response)
	}
	return response, nil
}

// PublishAsync sends an integration request without blocking the caller.
// Exactly one of callback.OnResponse or callback.OnFailure fires.
func (c *Connection) PublishAsync(req *request.IntegrationRequest, listener progress.Listener, callback IntegrationCallback) {
	go func() {
		ctx := context.Background()

		httpReq, err := c.newPublishRequest(ctx, req, listener)
		if err != nil {
			callback.OnFailure(err)
			return
		}

		c.pending.Set(req.ID(), req.Action())
		defer c.pending.Remove(req.ID())

		response, err := c.executeEnvelope(httpReq)
		if err != nil {
			callback.OnFailure(err)
			return
		}

		if c.useLark && len(req.Files()) > 0 {
			c.completeIndirectUpload(ctx, req, response)
		}
		callback.OnResponse(response)
	}()
}

// DeleteFile deletes a device file by its URI.
func (c *Connection) DeleteFile(ctx context.Context, device models.DeviceInfo, fileURI string) (*models.Response, error) {
	httpReq, err := c.newDeleteRequest(ctx, device, fileURI)
	if err != nil {
		return nil, err
	}
	return c.executeEnvelope(httpReq)
}

// DeleteFileAsync deletes a device file without blocking the caller.
// Exactly one of callback.OnResponse or callback.OnFailure fires.
func (c *Connection) DeleteFileAsync(device models.DeviceInfo, fileURI string, callback IntegrationCallback) {
	go func() {
		response, err := c.DeleteFile(context.Background(), device, fileURI)
		if err != nil {
			callback.OnFailure(err)
			return
		}
		callback.OnResponse(response)
	}()
}

// newPublishRequest runs the pre-flight pipeline: token check, id and
// version assignment, envelope encoding and multipart assembly.
func (c *Connection) newPublishRequest(ctx context.Context, req *request.IntegrationRequest, listener progress.Listener) (*http.Request, error) {
	if err := c.tokens.EnsureValid(ctx); err != nil {
		return nil, err
	}

	c.fillRequest(req)

	envelope, err := req.Encode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField(messageFormField, string(envelope)); err != nil {
		return nil, fmt.Errorf("failed to write envelope part: %w", err)
	}

	// Direct mode attaches the file bytes alongside the envelope. Indirect
	// mode sends metadata only; bytes follow via presigned URLs.
	if !c.useLark {
		for _, info := range req.Files() {
			if err := c.writeFilePart(writer, info); err != nil {
				return nil, err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	var body io.Reader = bytes.NewReader(buf.Bytes())
	if listener != nil {
		body = progress.NewReader(body, int64(buf.Len()), listener)
	}

	query := url.Values{}
	query.Set("action", req.Action())
	query.Set("orgId", c.orgID)
	if c.useLark {
		query.Set("useLark", "true")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.brokerURL+integrationPath+"?"+query.Encode(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build publish request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set(accessTokenHeader, c.tokens.AccessToken())
	httpReq.ContentLength = int64(buf.Len())

	return httpReq, nil
}

// writeFilePart streams one manifest entry's bytes into the multipart body.
func (c *Connection) writeFilePart(writer *multipart.Writer, info *request.UploadFileInfo) error {
	part, err := writer.CreateFormFile(info.Filename, info.Filename)
	if err != nil {
		return fmt.Errorf("failed to create file part %s: %w", info.Filename, err)
	}

	source, err := c.fileOps.Open(info.Attachment.Path)
	if err != nil {
		return fmt.Errorf("failed to open attachment %s: %w", info.Attachment.Path, err)
	}
	defer source.Close()

	if _, err := io.Copy(part, source); err != nil {
		return fmt.Errorf("failed to copy attachment %s: %w", info.Attachment.Path, err)
	}
	return nil
}

func (c *Connection) newDeleteRequest(ctx context.Context, device models.DeviceInfo, fileURI string) (*http.Request, error) {
	if err := device.Validate(); err != nil {
		return nil, err
	}
	if err := c.tokens.EnsureValid(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("action", request.ActionDelete)
	query.Set("orgId", c.orgID)
	query.Set("fileUri", fileURI)
	device.QueryParams(query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.brokerURL+filesPath+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build delete request: %w", err)
	}
	httpReq.Header.Set(accessTokenHeader, c.tokens.AccessToken())

	return httpReq, nil
}

// fillRequest assigns the next sequence id and the protocol version to a
// request whose caller left them unset.
func (c *Connection) fillRequest(req *request.IntegrationRequest) {
	if req.ID() == "" {
		req.SetID(strconv.FormatInt(c.seqID.Add(1), 10))
	}
	req.SetVersion(request.Version)
}

// executeEnvelope runs an HTTP request expected to return the JSON envelope
// and maps failures to the client error taxonomy.
func (c *Connection) executeEnvelope(httpReq *http.Request) (*models.Response, error) {
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Info().Err(err).Str("url", httpReq.URL.String()).Msg("Failed to execute request")
		return nil, &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &ServerError{Code: httpResp.StatusCode, Message: httpResp.Status}
	}

	var response models.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		c.logger.Info().Err(err).Str("url", httpReq.URL.String()).Msg("Failed to decode response")
		return nil, &DecodeError{Err: err}
	}
	return &response, nil
}
