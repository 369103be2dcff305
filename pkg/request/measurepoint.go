package request

import (
	"github.com/benmeehan/iot-http-client/pkg/file"
	"github.com/benmeehan/iot-http-client/pkg/models"
)

// measurepointGroup batches point values for one device at one timestamp.
type measurepointGroup struct {
	device models.DeviceInfo
	time   int64
	points map[string]any
}

type measurepointKey struct {
	device models.DeviceInfo
	time   int64
}

// MeasurepointPostRequestBuilder builds a postMeasurepoint request. Values
// of type *file.Attachment (top level, or one map level down) are registered
// in the file manifest and replaced with local:// references.
type MeasurepointPostRequestBuilder struct {
	baseBuilder
	groups []*measurepointGroup
	index  map[measurepointKey]*measurepointGroup
}

// NewMeasurepointPostRequestBuilder initializes a measurepoint builder with
// the given file capability.
func NewMeasurepointPostRequestBuilder(fileOps file.FileOperations) *MeasurepointPostRequestBuilder {
	return &MeasurepointPostRequestBuilder{
		baseBuilder: baseBuilder{fileOps: fileOps},
		index:       make(map[measurepointKey]*measurepointGroup),
	}
}

// AddMeasurepoint merges point values for the device at the given timestamp
// (milliseconds). Groups appear in the request params in the order of their
// first registration.
func (b *MeasurepointPostRequestBuilder) AddMeasurepoint(device models.DeviceInfo, time int64, values map[string]any) *MeasurepointPostRequestBuilder {
	key := measurepointKey{device: device, time: time}
	group, ok := b.index[key]
	if !ok {
		group = &measurepointGroup{device: device, time: time, points: make(map[string]any)}
		b.index[key] = group
		b.groups = append(b.groups, group)
	}
	for k, v := range values {
		group.points[k] = v
	}
	return b
}

// Build validates the device identities, performs file substitution and
// assembles the request.
func (b *MeasurepointPostRequestBuilder) Build() (*IntegrationRequest, error) {
	params := make([]map[string]any, 0, len(b.groups))
	for _, group := range b.groups {
		if err := group.device.Validate(); err != nil {
			return nil, err
		}

		param := deviceParam(group.device)
		param["time"] = group.time
		param["measurepoints"] = b.replaceFileValues(group.device, FeatureMeasurepoint, group.points)
		params = append(params, param)
	}

	if b.err != nil {
		return nil, b.err
	}

	return &IntegrationRequest{
		method: ActionPostMeasurepoint,
		action: ActionPostMeasurepoint,
		params: params,
		files:  b.files,
	}, nil
}
