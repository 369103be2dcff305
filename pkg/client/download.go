package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/benmeehan/iot-http-client/pkg/models"
	"github.com/benmeehan/iot-http-client/pkg/request"
)

// DownloadFile resolves a device file URI into a byte stream. URIs with the
// lark scheme resolve in two steps: fetch the presigned download URL from
// the broker, then fetch the bytes from it. Other URIs stream straight from
// the broker's download endpoint. The caller must close the stream.
func (c *Connection) DownloadFile(ctx context.Context, device models.DeviceInfo, fileURI string, category models.FileCategory) (io.ReadCloser, error) {
	if strings.HasPrefix(fileURI, larkURIScheme) {
		downloadURL, err := c.GetDownloadURL(ctx, device, fileURI, category)
		if err != nil {
			return nil, err
		}
		return c.fetchPresigned(ctx, downloadURL)
	}

	httpReq, err := c.newFilesRequest(ctx, request.ActionDownload, device, fileURI, category)
	if err != nil {
		return nil, err
	}
	return c.executeStream(httpReq)
}

// DownloadFileAsync resolves a device file URI without blocking the caller.
// The presigned second hop, when needed, happens inside the first hop's
// handling so that exactly one of callback.OnResponse or callback.OnFailure
// fires.
func (c *Connection) DownloadFileAsync(device models.DeviceInfo, fileURI string, category models.FileCategory, callback FileCallback) {
	go func() {
		content, err := c.DownloadFile(context.Background(), device, fileURI, category)
		if err != nil {
			callback.OnFailure(err)
			return
		}
		callback.OnResponse(content)
	}()
}

// GetDownloadURL asks the broker for a presigned download URL for the given
// file URI.
func (c *Connection) GetDownloadURL(ctx context.Context, device models.DeviceInfo, fileURI string, category models.FileCategory) (string, error) {
	httpReq, err := c.newFilesRequest(ctx, request.ActionGetDownloadURL, device, fileURI, category)
	if err != nil {
		return "", err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Info().Err(err).Str("file_uri", fileURI).Msg("Failed to fetch download URL")
		return "", &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return "", &ServerError{Code: httpResp.StatusCode, Message: httpResp.Status}
	}

	var response models.FileDownloadResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return "", &DecodeError{Err: err}
	}
	if !response.IsSuccess() {
		return "", &BrokerError{Code: response.Code, Message: response.Msg}
	}
	return response.Data, nil
}

// newFilesRequest builds an authenticated GET against the files endpoint.
func (c *Connection) newFilesRequest(ctx context.Context, action string, device models.DeviceInfo, fileURI string, category models.FileCategory) (*http.Request, error) {
	if err := device.Validate(); err != nil {
		return nil, err
	}
	if err := c.tokens.EnsureValid(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("action", action)
	query.Set("orgId", c.orgID)
	query.Set("fileUri", fileURI)
	query.Set("category", category.Name())
	device.QueryParams(query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.brokerURL+filesPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", action, err)
	}
	httpReq.Header.Set(accessTokenHeader, c.tokens.AccessToken())

	return httpReq, nil
}

// fetchPresigned streams bytes from a presigned URL. No broker auth header
// is sent on this hop.
func (c *Connection) fetchPresigned(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build presigned download request: %w", err)
	}
	return c.executeStream(httpReq)
}

// executeStream runs an HTTP request whose success body is the payload
// itself and maps failures to the client error taxonomy.
func (c *Connection) executeStream(httpReq *http.Request) (io.ReadCloser, error) {
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Info().Err(err).Str("url", httpReq.URL.String()).Msg("Failed to execute request")
		return nil, &TransportError{Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		httpResp.Body.Close()
		return nil, &ServerError{Code: httpResp.StatusCode, Message: httpResp.Status}
	}
	return httpResp.Body, nil
}
