package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"whatsapp-dispatch/internal/apperr"
	"whatsapp-dispatch/internal/config"
	"whatsapp-dispatch/internal/models"
)

// Client sends messages through the WhatsApp Cloud API using each device's own
// phone number id and token.
type Client struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	HTTP       *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(cfg.WhatsApp.BaseURL, "/"),
		APIVersion: cfg.WhatsApp.APIVersion,
		Timeout:    cfg.WhatsApp.RequestTimeout,
		HTTP:       &http.Client{},
	}
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type,omitempty"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             *TextObj  `json:"text,omitempty"`
	Image            *MediaObj `json:"image,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type MediaObj struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Cloud API error codes that need a specific classification.
const (
	codeRateLimit        = 130429
	codeSpamRateLimit    = 131048
	codePairRateLimit    = 131056
	codeUndeliverable    = 131026
	codeInvalidParameter = 100
)

// --- Helper Functions ---

func (c *Client) sendRequest(ctx context.Context, device models.Device, msg GenericMessage) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInvalidContent, "encode message", false)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.BaseURL, c.APIVersion, device.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(err, apperr.CodeTransportUnavailable, "build request", true)
	}
	req.Header.Set("Authorization", "Bearer "+device.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(err, apperr.CodeTimeout, "request timed out", true)
		}
		return apperr.Wrap(err, apperr.CodeTransportUnavailable, "request failed", true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeTransportUnavailable, "read response", true)
	}
	if resp.StatusCode >= 400 {
		return classify(resp.StatusCode, body)
	}
	return nil
}

// classify maps an API error response to a transient or permanent error.
func classify(status int, body []byte) error {
	var apiErr apiErrorBody
	_ = json.Unmarshal(body, &apiErr)
	detail := fmt.Errorf("API error: %d - %s", status, strings.TrimSpace(string(body)))

	switch apiErr.Error.Code {
	case codeRateLimit, codeSpamRateLimit, codePairRateLimit:
		return apperr.Wrap(detail, apperr.CodeRateLimited, "rate limited by provider", true)
	case codeUndeliverable:
		return apperr.Wrap(detail, apperr.CodeInvalidRecipient, "recipient cannot receive messages", false)
	case codeInvalidParameter:
		return apperr.Wrap(detail, apperr.CodeInvalidContent, "invalid message parameter", false)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return apperr.Wrap(detail, apperr.CodeRateLimited, "rate limited by provider", true)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Wrap(detail, apperr.CodeDeviceOffline, "device credential rejected", true)
	case status >= 500:
		return apperr.Wrap(detail, apperr.CodeTransportUnavailable, "provider unavailable", true)
	default:
		return apperr.Wrap(detail, apperr.CodeRejected, "message rejected", false)
	}
}

// NormalizePhone strips formatting and validates the result is a plausible
// international number.
func NormalizePhone(phone string) (string, error) {
	var b strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", apperr.New(apperr.CodeInvalidRecipient, fmt.Sprintf("invalid character in phone %q", phone), false)
		}
	}
	n := b.String()
	if len(n) < 8 || len(n) > 15 {
		return "", apperr.New(apperr.CodeInvalidRecipient, fmt.Sprintf("phone %q must have 8 to 15 digits", phone), false)
	}
	return n, nil
}

// --- Messaging Methods ---

func (c *Client) SendText(ctx context.Context, device models.Device, phone, text string) error {
	to, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.CodeInvalidContent, "text message is empty", false)
	}
	return c.sendRequest(ctx, device, GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &TextObj{Body: text},
	})
}

func (c *Client) SendImage(ctx context.Context, device models.Device, phone, mediaURL, caption string) error {
	to, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	if strings.TrimSpace(mediaURL) == "" {
		return apperr.New(apperr.CodeInvalidContent, "image message has no media", false)
	}
	return c.sendRequest(ctx, device, GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "image",
		Image:            &MediaObj{Link: mediaURL, Caption: caption},
	})
}
