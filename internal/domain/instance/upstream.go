package instance

import "context"

// Result codes shared by upstream responses and submit results.
const (
	CodeSuccess         = 1
	CodeNotFound        = 3
	CodeValidationError = 4
	CodeFailure         = 9
	CodeExisted         = 21
	CodeInQueue         = 22
)

// Message is the upstream's response envelope for interaction calls.
// Code == CodeSuccess means the upstream accepted the job; any other code is
// an immediate failure described by Description.
type Message struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Result      string `json:"result,omitempty"`
}

// BlendDimensions selects the aspect ratio of a blend result.
type BlendDimensions string

const (
	BlendPortrait  BlendDimensions = "PORTRAIT"
	BlendSquare    BlendDimensions = "SQUARE"
	BlendLandscape BlendDimensions = "LANDSCAPE"
)

// UpstreamClient is the protocol client for one account's bot connection.
// Implementations update the corresponding task records on inbound upstream
// events (progress, message id, terminal status); the runtime only polls
// those fields.
type UpstreamClient interface {
	Imagine(ctx context.Context, prompt, nonce string) (Message, error)
	Upscale(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (Message, error)
	Variation(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (Message, error)
	Reroll(ctx context.Context, messageID, messageHash string, flags int, nonce string) (Message, error)
	Action(ctx context.Context, messageID, customID string, flags int, nonce string) (Message, error)
	Describe(ctx context.Context, finalFileName, nonce string) (Message, error)
	Blend(ctx context.Context, finalFileNames []string, dimensions BlendDimensions, nonce string) (Message, error)
	Upload(ctx context.Context, fileName string, dataURL string) (Message, error)
	SendImageMessage(ctx context.Context, content, finalFileName string) (Message, error)
}
