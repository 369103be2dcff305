package request

import (
	"fmt"

	"github.com/benmeehan/iot-http-client/pkg/file"
	"github.com/benmeehan/iot-http-client/pkg/models"
)

// baseBuilder carries the state shared by all request builders: the file
// capability, the files registered so far, and the first registration error.
type baseBuilder struct {
	fileOps file.FileOperations
	files   []*UploadFileInfo
	err     error
}

// storeFile registers an attachment under a generated local filename and
// returns the local:// reference that replaces it in the params.
func (b *baseBuilder) storeFile(device models.DeviceInfo, featureType FeatureType, featureID string, att *file.Attachment) string {
	filename := b.fileOps.GenerateFileName(att.Path)

	md5sum, err := b.fileOps.GetFileMD5(att.Path)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to hash attachment %s: %w", att.Path, err)
	}

	b.files = append(b.files, &UploadFileInfo{
		Filename:    filename,
		Attachment:  att,
		FeatureType: featureType,
		FeatureID:   featureID,
		Device:      device,
		MD5:         md5sum,
	})

	return localFileScheme + filename
}

// replaceFileValues walks the values map and substitutes attachments with
// local:// references. Substitution applies at the top level and one nested
// map level; attachments buried deeper are intentionally left as-is.
func (b *baseBuilder) replaceFileValues(device models.DeviceInfo, featureType FeatureType, values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		switch v := value.(type) {
		case *file.Attachment:
			out[key] = b.storeFile(device, featureType, key, v)
		case map[string]any:
			sub := make(map[string]any, len(v))
			for subKey, subValue := range v {
				if att, ok := subValue.(*file.Attachment); ok {
					sub[subKey] = b.storeFile(device, featureType, key, att)
				} else {
					sub[subKey] = subValue
				}
			}
			out[key] = sub
		default:
			out[key] = value
		}
	}
	return out
}

// deviceParam starts a params entry with exactly one device identity form.
func deviceParam(device models.DeviceInfo) map[string]any {
	param := make(map[string]any)
	if device.AssetID != "" {
		param["assetId"] = device.AssetID
	} else {
		param["productKey"] = device.ProductKey
		param["deviceKey"] = device.DeviceKey
	}
	return param
}
