package request

import (
	"encoding/json"
	"fmt"

	"github.com/benmeehan/iot-http-client/pkg/file"
	"github.com/benmeehan/iot-http-client/pkg/models"
)

// Version is the integration protocol version stamped on every request.
const Version = "1.1"

// localFileScheme prefixes the generated filename that replaces an attached
// file's value inside the request params.
const localFileScheme = "local://"

// Actions accepted by the broker's integration and files endpoints.
const (
	ActionPostMeasurepoint = "postMeasurepoint"
	ActionPostAttribute    = "postAttribute"
	ActionPostEvent        = "postEvent"
	ActionDelete           = "delete"
	ActionDownload         = "download"
	ActionGetDownloadURL   = "getDownloadUrl"
)

// FeatureType classifies which device feature a file attachment belongs to.
type FeatureType string

// Feature types carried in the file manifest.
const (
	FeatureMeasurepoint FeatureType = "measurepoint"
	FeatureAttribute    FeatureType = "attribute"
	FeatureEvent        FeatureType = "event"
)

// UploadFileInfo is one entry of a request's file manifest: a registered
// attachment with its generated local name, feature metadata and MD5.
type UploadFileInfo struct {
	Filename    string
	Attachment  *file.Attachment
	FeatureType FeatureType
	FeatureID   string
	Device      models.DeviceInfo
	MD5         string
}

// IntegrationRequest is an encoded integration request: the JSON envelope
// plus the manifest of files registered while building it. Immutable once
// built, except for the id and version the connection assigns before send.
type IntegrationRequest struct {
	id      string
	version string
	method  string
	action  string
	params  any
	files   []*UploadFileInfo
}

// ID returns the request id ("" until assigned).
func (r *IntegrationRequest) ID() string { return r.id }

// SetID assigns the request id. The connection calls this with the next
// sequence number when the caller did not supply an id.
func (r *IntegrationRequest) SetID(id string) { r.id = id }

// Version returns the protocol version ("" until assigned).
func (r *IntegrationRequest) Version() string { return r.version }

// SetVersion assigns the protocol version.
func (r *IntegrationRequest) SetVersion(v string) { r.version = v }

// Method returns the envelope method of this request kind.
func (r *IntegrationRequest) Method() string { return r.method }

// Action returns the query-string action of this request kind.
func (r *IntegrationRequest) Action() string { return r.action }

// Params returns the envelope params value.
func (r *IntegrationRequest) Params() any { return r.params }

// Files returns the file manifest in registration order.
func (r *IntegrationRequest) Files() []*UploadFileInfo { return r.files }

// Encode serializes the request envelope to JSON. The files section is the
// disposition map keyed by generated filename, so reusing a filename with
// different content cannot slip through unnoticed.
func (r *IntegrationRequest) Encode() ([]byte, error) {
	payload := make(map[string]any)
	if r.id != "" {
		payload["id"] = r.id
	}
	if r.version != "" {
		payload["version"] = r.version
	}
	if r.method != "" {
		payload["method"] = r.method
	}
	if r.params != nil {
		payload["params"] = r.params
	}
	if len(r.files) > 0 {
		payload["files"] = r.filePayload()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

func (r *IntegrationRequest) filePayload() map[string]any {
	disposition := make(map[string]any, len(r.files))
	for _, info := range r.files {
		entry := map[string]string{
			"featureId": info.FeatureID,
			"md5":       info.MD5,
		}
		if info.Device.AssetID != "" {
			entry["assetId"] = info.Device.AssetID
		} else {
			entry["productKey"] = info.Device.ProductKey
			entry["deviceKey"] = info.Device.DeviceKey
		}
		disposition[info.Filename] = entry
	}
	return disposition
}
