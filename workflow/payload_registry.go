package workflow

import (
	"errors"

	"github.com/c360studio/semstreams/payloadregistry"
)

// RegisterPayloads registers the notification and dispatch payload types
// with reg. Every registration is attempted; collisions are joined.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	return errors.Join(
		reg.Register(&payloadregistry.Registration{
			Domain:      EventNotificationType.Domain,
			Category:    EventNotificationType.Category,
			Version:     EventNotificationType.Version,
			Description: "Task and agent activity notification",
			Factory:     func() any { return &EventNotification{} },
		}),
		reg.Register(&payloadregistry.Registration{
			Domain:      DispatchRequestType.Domain,
			Category:    DispatchRequestType.Category,
			Version:     DispatchRequestType.Version,
			Description: "Task dispatch request for the assigned agent",
			Factory:     func() any { return &DispatchRequest{} },
		}),
	)
}
