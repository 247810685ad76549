// Package discord implements the upstream protocol client for one bot
// account: REST interaction calls plus a websocket gateway whose inbound
// events mutate the owning task records.
package discord

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"muse/internal/domain/instance"
	"muse/internal/shared/logging"
)

const (
	defaultAPIBase = "https://discord.com/api/v9"

	// Application and command identifiers of the generation bot.
	applicationID = "936929561302675456"

	imagineCommandID       = "938956540159881230"
	imagineCommandVersion  = "1237876415471554623"
	describeCommandID      = "1092492867185950852"
	describeCommandVersion = "1237876415471554625"
	blendCommandID         = "1062880104792997970"
	blendCommandVersion    = "1237876415471554624"

	interactionTimeout = 30 * time.Second
)

// Client is the REST half of the upstream connection for one account. It
// implements instance.UpstreamClient; inbound event correlation lives in the
// gateway.
type Client struct {
	account instance.Account
	apiBase string
	http    *http.Client
	logger  logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIBase overrides the REST endpoint, used by tests.
func WithAPIBase(base string) ClientOption {
	return func(c *Client) { c.apiBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.http = client }
}

// NewClient creates the REST client for account.
func NewClient(account instance.Account, opts ...ClientOption) *Client {
	c := &Client{
		account: account,
		apiBase: defaultAPIBase,
		http:    &http.Client{Timeout: interactionTimeout},
		logger:  logging.NewComponentLogger("Discord[" + account.ID + "]"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type interactionPayload struct {
	Type          int            `json:"type"`
	ApplicationID string         `json:"application_id"`
	GuildID       string         `json:"guild_id"`
	ChannelID     string         `json:"channel_id"`
	SessionID     string         `json:"session_id"`
	Nonce         string         `json:"nonce,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	MessageFlags  *int           `json:"message_flags,omitempty"`
	Data          map[string]any `json:"data"`
}

const (
	interactionTypeCommand   = 2
	interactionTypeComponent = 3

	componentTypeButton = 2
)

// Imagine submits a text-to-image slash command.
func (c *Client) Imagine(ctx context.Context, prompt, nonce string) (instance.Message, error) {
	data := map[string]any{
		"version": imagineCommandVersion,
		"id":      imagineCommandID,
		"name":    "imagine",
		"type":    1,
		"options": []map[string]any{
			{"type": 3, "name": "prompt", "value": prompt},
		},
	}
	return c.interaction(ctx, interactionPayload{
		Type:          interactionTypeCommand,
		ApplicationID: applicationID,
		GuildID:       c.account.GuildID,
		ChannelID:     c.account.ChannelID,
		SessionID:     sessionID(c.account.ID),
		Nonce:         nonce,
		Data:          data,
	})
}

// Upscale presses the U<index> button of a finished grid message.
func (c *Client) Upscale(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (instance.Message, error) {
	customID := fmt.Sprintf("MJ::JOB::upsample::%d::%s", index, messageHash)
	return c.component(ctx, messageID, customID, flags, nonce)
}

// Variation presses the V<index> button of a finished grid message.
func (c *Client) Variation(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (instance.Message, error) {
	customID := fmt.Sprintf("MJ::JOB::variation::%d::%s", index, messageHash)
	return c.component(ctx, messageID, customID, flags, nonce)
}

// Reroll presses the re-run button of a finished grid message.
func (c *Client) Reroll(ctx context.Context, messageID, messageHash string, flags int, nonce string) (instance.Message, error) {
	customID := fmt.Sprintf("MJ::JOB::reroll::0::%s::SOLO", messageHash)
	return c.component(ctx, messageID, customID, flags, nonce)
}

// Action presses an arbitrary message component.
func (c *Client) Action(ctx context.Context, messageID, customID string, flags int, nonce string) (instance.Message, error) {
	return c.component(ctx, messageID, customID, flags, nonce)
}

func (c *Client) component(ctx context.Context, messageID, customID string, flags int, nonce string) (instance.Message, error) {
	data := map[string]any{
		"component_type": componentTypeButton,
		"custom_id":      customID,
	}
	return c.interaction(ctx, interactionPayload{
		Type:          interactionTypeComponent,
		ApplicationID: applicationID,
		GuildID:       c.account.GuildID,
		ChannelID:     c.account.ChannelID,
		SessionID:     sessionID(c.account.ID),
		Nonce:         nonce,
		MessageID:     messageID,
		MessageFlags:  &flags,
		Data:          data,
	})
}

// Describe submits an image-to-text slash command against an uploaded file.
func (c *Client) Describe(ctx context.Context, finalFileName, nonce string) (instance.Message, error) {
	data := map[string]any{
		"version": describeCommandVersion,
		"id":      describeCommandID,
		"name":    "describe",
		"type":    1,
		"options": []map[string]any{
			{"type": 11, "name": "image", "value": 0},
		},
		"attachments": []map[string]any{
			{"id": "0", "uploaded_filename": finalFileName, "filename": baseName(finalFileName)},
		},
	}
	return c.interaction(ctx, interactionPayload{
		Type:          interactionTypeCommand,
		ApplicationID: applicationID,
		GuildID:       c.account.GuildID,
		ChannelID:     c.account.ChannelID,
		SessionID:     sessionID(c.account.ID),
		Nonce:         nonce,
		Data:          data,
	})
}

// Blend submits a multi-image blend slash command against uploaded files.
func (c *Client) Blend(ctx context.Context, finalFileNames []string, dimensions instance.BlendDimensions, nonce string) (instance.Message, error) {
	options := make([]map[string]any, 0, len(finalFileNames)+1)
	attachments := make([]map[string]any, 0, len(finalFileNames))
	for i, name := range finalFileNames {
		options = append(options, map[string]any{
			"type": 11, "name": fmt.Sprintf("image%d", i+1), "value": i,
		})
		attachments = append(attachments, map[string]any{
			"id":                fmt.Sprintf("%d", i),
			"uploaded_filename": name,
			"filename":          baseName(name),
		})
	}
	options = append(options, map[string]any{
		"type": 3, "name": "dimensions", "value": "--ar " + dimensionsRatio(dimensions),
	})
	data := map[string]any{
		"version":     blendCommandVersion,
		"id":          blendCommandID,
		"name":        "blend",
		"type":        1,
		"options":     options,
		"attachments": attachments,
	}
	return c.interaction(ctx, interactionPayload{
		Type:          interactionTypeCommand,
		ApplicationID: applicationID,
		GuildID:       c.account.GuildID,
		ChannelID:     c.account.ChannelID,
		SessionID:     sessionID(c.account.ID),
		Nonce:         nonce,
		Data:          data,
	})
}

func dimensionsRatio(d instance.BlendDimensions) string {
	switch d {
	case instance.BlendPortrait:
		return "2:3"
	case instance.BlendLandscape:
		return "3:2"
	default:
		return "1:1"
	}
}

// Upload pushes a data-URL image into the account's channel attachment
// bucket. The returned Result is the uploaded file name to reference in a
// follow-up command.
func (c *Client) Upload(ctx context.Context, fileName, dataURL string) (instance.Message, error) {
	payload, err := decodeDataURL(dataURL)
	if err != nil {
		return instance.Message{Code: instance.CodeValidationError, Description: err.Error()}, nil
	}

	reqBody := map[string]any{
		"files": []map[string]any{
			{"filename": fileName, "file_size": len(payload), "id": "0"},
		},
	}
	var resp struct {
		Attachments []struct {
			UploadURL      string `json:"upload_url"`
			UploadFilename string `json:"upload_filename"`
		} `json:"attachments"`
	}
	url := fmt.Sprintf("%s/channels/%s/attachments", c.apiBase, c.account.ChannelID)
	if err := c.postJSON(ctx, url, reqBody, &resp); err != nil {
		return instance.Message{}, fmt.Errorf("request upload slot: %w", err)
	}
	if len(resp.Attachments) == 0 {
		return instance.Message{Code: instance.CodeFailure, Description: "upload slot not granted"}, nil
	}
	slot := resp.Attachments[0]

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.UploadURL, bytes.NewReader(payload))
	if err != nil {
		return instance.Message{}, err
	}
	put.Header.Set("Content-Type", "application/octet-stream")
	res, err := c.http.Do(put)
	if err != nil {
		return instance.Message{}, fmt.Errorf("upload file: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return instance.Message{Code: instance.CodeFailure, Description: fmt.Sprintf("upload rejected: status %d", res.StatusCode)}, nil
	}
	return instance.Message{Code: instance.CodeSuccess, Result: slot.UploadFilename}, nil
}

// SendImageMessage posts a plain message referencing an uploaded file and
// returns the URL of the resulting attachment.
func (c *Client) SendImageMessage(ctx context.Context, content, finalFileName string) (instance.Message, error) {
	reqBody := map[string]any{
		"content": content,
		"attachments": []map[string]any{
			{"id": "0", "filename": baseName(finalFileName), "uploaded_filename": finalFileName},
		},
	}
	var resp struct {
		Attachments []struct {
			URL string `json:"url"`
		} `json:"attachments"`
	}
	url := fmt.Sprintf("%s/channels/%s/messages", c.apiBase, c.account.ChannelID)
	if err := c.postJSON(ctx, url, reqBody, &resp); err != nil {
		return instance.Message{}, fmt.Errorf("send image message: %w", err)
	}
	if len(resp.Attachments) == 0 {
		return instance.Message{Code: instance.CodeFailure, Description: "message carried no attachment"}, nil
	}
	return instance.Message{Code: instance.CodeSuccess, Result: resp.Attachments[0].URL}, nil
}

// interaction posts one interaction payload. Discord answers 204 on
// acceptance; the job outcome arrives later through the gateway.
func (c *Client) interaction(ctx context.Context, payload interactionPayload) (instance.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return instance.Message{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/interactions", bytes.NewReader(body))
	if err != nil {
		return instance.Message{}, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return instance.Message{}, fmt.Errorf("post interaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return instance.Message{Code: instance.CodeSuccess, Description: "success"}, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &apiErr)
	desc := apiErr.Message
	if desc == "" {
		desc = fmt.Sprintf("interaction rejected: status %d", resp.StatusCode)
	}
	c.logger.Warn("interaction rejected: status=%d message=%q", resp.StatusCode, desc)
	return instance.Message{Code: instance.CodeFailure, Description: desc}, nil
}

func (c *Client) postJSON(ctx context.Context, url string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.account.UserToken)
	if c.account.UserAgent != "" {
		req.Header.Set("User-Agent", c.account.UserAgent)
	}
}

// sessionID derives a stable per-account session marker for interaction
// payloads.
func sessionID(accountID string) string {
	h := 0
	for _, r := range accountID {
		h = h*31 + int(r)
	}
	return fmt.Sprintf("%016x%016x", h, len(accountID))
}

func baseName(uploadedName string) string {
	if i := strings.LastIndexByte(uploadedName, '/'); i >= 0 {
		return uploadedName[i+1:]
	}
	return uploadedName
}

// decodeDataURL extracts the raw bytes of a "data:<mime>;base64,<payload>"
// URL. Bare base64 without the prefix is accepted too.
func decodeDataURL(dataURL string) ([]byte, error) {
	encoded := dataURL
	if strings.HasPrefix(dataURL, "data:") {
		i := strings.IndexByte(dataURL, ',')
		if i < 0 {
			return nil, fmt.Errorf("malformed data url")
		}
		encoded = dataURL[i+1:]
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	return payload, nil
}
