package models

import (
	"encoding/json"
	"fmt"
)

// SuccessCode is the broker envelope code that indicates success.
const SuccessCode = 0

// Response is the JSON envelope returned by all broker integration endpoints.
type Response struct {
	Code      int             `json:"code"`
	Msg       string          `json:"msg"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsSuccess reports whether the broker accepted the request.
func (r *Response) IsSuccess() bool {
	return r.Code == SuccessCode
}

// UriInfo describes a presigned upload issued by the broker for a single
// file of an indirect-mode publish.
type UriInfo struct {
	Filename  string            `json:"filename"`
	UploadURL string            `json:"uploadUrl"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// responseData is the data payload shape of an indirect-mode publish response.
type responseData struct {
	UriInfoList []UriInfo `json:"uriInfoList"`
}

// UriInfoList decodes the presigned upload manifest out of the response data.
// It returns an empty slice when the response carries no data payload.
func (r *Response) UriInfoList() ([]UriInfo, error) {
	if len(r.Data) == 0 {
		return nil, nil
	}

	var data responseData
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode uriInfoList: %w", err)
	}
	return data.UriInfoList, nil
}

// DecodeData unmarshals the response data payload into v.
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// FileDownloadResponse is the envelope returned by the getDownloadUrl
// endpoint. Data carries the presigned download URL.
type FileDownloadResponse struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	RequestID string `json:"requestId"`
	Data      string `json:"data"`
}

// IsSuccess reports whether the broker issued a download URL.
func (r *FileDownloadResponse) IsSuccess() bool {
	return r.Code == SuccessCode
}
