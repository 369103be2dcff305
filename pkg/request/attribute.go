package request

import (
	"github.com/benmeehan/iot-http-client/pkg/file"
	"github.com/benmeehan/iot-http-client/pkg/models"
)

// attributeGroup batches attribute values for one device.
type attributeGroup struct {
	device models.DeviceInfo
	values map[string]any
}

// AttributePostRequestBuilder builds a postAttribute request. Attribute
// values that are file attachments get the same bounded-depth substitution
// as measurepoints.
type AttributePostRequestBuilder struct {
	baseBuilder
	groups []*attributeGroup
	index  map[models.DeviceInfo]*attributeGroup
}

// NewAttributePostRequestBuilder initializes an attribute builder with the
// given file capability.
func NewAttributePostRequestBuilder(fileOps file.FileOperations) *AttributePostRequestBuilder {
	return &AttributePostRequestBuilder{
		baseBuilder: baseBuilder{fileOps: fileOps},
		index:       make(map[models.DeviceInfo]*attributeGroup),
	}
}

// AddAttribute merges attribute values for the device. Devices appear in the
// request params in the order of their first registration.
func (b *AttributePostRequestBuilder) AddAttribute(device models.DeviceInfo, values map[string]any) *AttributePostRequestBuilder {
	group, ok := b.index[device]
	if !ok {
		group = &attributeGroup{device: device, values: make(map[string]any)}
		b.index[device] = group
		b.groups = append(b.groups, group)
	}
	for k, v := range values {
		group.values[k] = v
	}
	return b
}

// Build validates the device identities, performs file substitution and
// assembles the request.
func (b *AttributePostRequestBuilder) Build() (*IntegrationRequest, error) {
	params := make([]map[string]any, 0, len(b.groups))
	for _, group := range b.groups {
		if err := group.device.Validate(); err != nil {
			return nil, err
		}

		param := deviceParam(group.device)
		param["attributes"] = b.replaceFileValues(group.device, FeatureAttribute, group.values)
		params = append(params, param)
	}

	if b.err != nil {
		return nil, b.err
	}

	return &IntegrationRequest{
		method: ActionPostAttribute,
		action: ActionPostAttribute,
		params: params,
		files:  b.files,
	}, nil
}
