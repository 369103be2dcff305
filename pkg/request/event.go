package request

import (
	"github.com/benmeehan/iot-http-client/pkg/file"
	"github.com/benmeehan/iot-http-client/pkg/models"
)

// eventGroup batches event values for one device at one timestamp.
type eventGroup struct {
	device models.DeviceInfo
	time   int64
	events map[string]any
}

type eventKey struct {
	device models.DeviceInfo
	time   int64
}

// EventPostRequestBuilder builds a postEvent request. Event payload values
// that are file attachments get the same bounded-depth substitution as
// measurepoints.
type EventPostRequestBuilder struct {
	baseBuilder
	groups []*eventGroup
	index  map[eventKey]*eventGroup
}

// NewEventPostRequestBuilder initializes an event builder with the given
// file capability.
func NewEventPostRequestBuilder(fileOps file.FileOperations) *EventPostRequestBuilder {
	return &EventPostRequestBuilder{
		baseBuilder: baseBuilder{fileOps: fileOps},
		index:       make(map[eventKey]*eventGroup),
	}
}

// AddEvent merges event values for the device at the given timestamp
// (milliseconds). Groups appear in the request params in the order of their
// first registration.
func (b *EventPostRequestBuilder) AddEvent(device models.DeviceInfo, time int64, values map[string]any) *EventPostRequestBuilder {
	key := eventKey{device: device, time: time}
	group, ok := b.index[key]
	if !ok {
		group = &eventGroup{device: device, time: time, events: make(map[string]any)}
		b.index[key] = group
		b.groups = append(b.groups, group)
	}
	for k, v := range values {
		group.events[k] = v
	}
	return b
}

// Build validates the device identities, performs file substitution and
// assembles the request.
func (b *EventPostRequestBuilder) Build() (*IntegrationRequest, error) {
	params := make([]map[string]any, 0, len(b.groups))
	for _, group := range b.groups {
		if err := group.device.Validate(); err != nil {
			return nil, err
		}

		param := deviceParam(group.device)
		param["time"] = group.time
		param["events"] = b.replaceFileValues(group.device, FeatureEvent, group.events)
		params = append(params, param)
	}

	if b.err != nil {
		return nil, b.err
	}

	return &IntegrationRequest{
		method: ActionPostEvent,
		action: ActionPostEvent,
		params: params,
		files:  b.files,
	}, nil
}
