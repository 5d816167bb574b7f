package imagerouter

import "context"

// Caller performs one generation attempt upstream with a single credential.
// Implementations should return *UpstreamError for classified failures and
// must honour ctx cancellation.
type Caller interface {
	Call(ctx context.Context, secret string, req GenerationRequest) (MediaResult, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, secret string, req GenerationRequest) (MediaResult, error)

func (f CallerFunc) Call(ctx context.Context, secret string, req GenerationRequest) (MediaResult, error) {
	return f(ctx, secret, req)
}

// GenerationRequest is passed through to the Caller untouched, except for
// TokenID which pins the request to one credential.
type GenerationRequest struct {
	Prompt      string `json:"prompt"`
	Count       int    `json:"n,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	EnableNSFW  bool   `json:"enable_nsfw,omitempty"`

	// TokenID, when set, disables rotation: only that credential is tried.
	TokenID string `json:"-"`
}

// MediaResult is a successful generation.
type MediaResult struct {
	URLs    []string
	B64JSON []string
	Routing RoutingInfo
}

// RoutingInfo describes which credential served the request.
type RoutingInfo struct {
	RequestID string
	TokenID   string
	Attempts  int
}
