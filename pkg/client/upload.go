package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/benmeehan/iot-http-client/pkg/models"
	"github.com/benmeehan/iot-http-client/pkg/request"
)

// completeIndirectUpload consumes the presigned-URL manifest of an
// indirect-mode publish response and uploads each pending file. Every file
// is handled independently: a failed or unmatched entry is logged and
// skipped, and never disturbs the already-successful publish.
func (c *Connection) completeIndirectUpload(ctx context.Context, req *request.IntegrationRequest, response *models.Response) {
	uriInfos, err := response.UriInfoList()
	if err != nil {
		c.logger.Error().Err(err).Str("request_id", req.ID()).Msg("Failed to decode presigned upload manifest")
		return
	}
	if len(uriInfos) == 0 {
		return
	}

	manifest := make(map[string]*request.UploadFileInfo, len(req.Files()))
	for _, info := range req.Files() {
		manifest[info.Filename] = info
	}

	for _, uriInfo := range uriInfos {
		info, ok := manifest[uriInfo.Filename]
		if !ok {
			c.logger.Warn().
				Str("filename", uriInfo.Filename).
				Str("request_id", req.ID()).
				Msg("Presigned upload entry matches no attached file, skipping")
			continue
		}

		if !c.autoUpload {
			continue
		}

		if err := c.uploadFileByURL(ctx, uriInfo, info); err != nil {
			c.logger.Error().Err(err).
				Str("filename", info.Attachment.Name).
				Str("upload_url", uriInfo.UploadURL).
				Msg("Failed to upload file to presigned URL")
			continue
		}
		c.logger.Debug().
			Str("filename", info.Attachment.Name).
			Msg("Uploaded file to presigned URL")
	}
}

// uploadFileByURL PUTs the file bytes to the presigned URL with the headers
// the broker issued. The broker's own auth header is not sent here.
func (c *Connection) uploadFileByURL(ctx context.Context, uriInfo models.UriInfo, info *request.UploadFileInfo) error {
	size, err := c.fileOps.FileSize(info.Attachment.Path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", info.Attachment.Path, err)
	}

	source, err := c.fileOps.Open(info.Attachment.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", info.Attachment.Path, err)
	}
	defer source.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, uriInfo.UploadURL, source)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	httpReq.ContentLength = size
	for key, value := range uriInfo.Headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &ServerError{Code: httpResp.StatusCode, Message: httpResp.Status}
	}
	return nil
}
