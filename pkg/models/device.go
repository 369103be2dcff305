package models

import (
	"errors"
	"net/url"
)

// ErrMissingDeviceIdentity is returned when a device reference carries
// neither an asset ID nor a complete product/device key pair.
var ErrMissingDeviceIdentity = errors.New("device identity requires assetId or productKey and deviceKey")

// DeviceInfo identifies the device a request refers to. AssetID takes
// precedence over the (ProductKey, DeviceKey) pair when both are set.
type DeviceInfo struct {
	AssetID    string
	ProductKey string
	DeviceKey  string
}

// Validate checks that at least one complete identity form is present.
func (d *DeviceInfo) Validate() error {
	if d.AssetID == "" && (d.ProductKey == "" || d.DeviceKey == "") {
		return ErrMissingDeviceIdentity
	}
	return nil
}

// QueryParams appends exactly one identity form to the given query values.
func (d *DeviceInfo) QueryParams(query url.Values) {
	if d.AssetID != "" {
		query.Set("assetId", d.AssetID)
		return
	}
	query.Set("productKey", d.ProductKey)
	query.Set("deviceKey", d.DeviceKey)
}

// FileCategory identifies the storage category of a device file.
type FileCategory string

// File categories understood by the broker's files endpoint.
const (
	CategoryFeature FileCategory = "feature"
)

// Name returns the wire name of the category.
func (c FileCategory) Name() string {
	return string(c)
}
