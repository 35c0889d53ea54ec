package conversation

import "context"

// Handle adapts a Service + continuation id to toolregistry.ConversationHandle,
// so tools can append turns without importing this package's full Service
// surface.
type Handle struct {
	service        *Service
	continuationID string
}

// NewHandle builds a Handle bound to one conversation for the lifetime of
// a single tool call.
func NewHandle(service *Service, continuationID string) *Handle {
	return &Handle{service: service, continuationID: continuationID}
}

func (h *Handle) ContinuationID() string {
	return h.continuationID
}

func (h *Handle) AppendTurn(ctx context.Context, role, content string) error {
	return h.service.Append(ctx, h.continuationID, role, content)
}
