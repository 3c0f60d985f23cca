// SPDX-License-Identifier: MIT

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/getouch/smsgw/internal/store"
)

// Error codes reported by the device adapter. Permanent codes fail the message
// immediately; anything else schedules a retry.
const (
	CodeInvalidNumber = "INVALID_NUMBER"
	CodeBlocked       = "BLOCKED"
	CodeSimError      = "SIM_ERROR"
	CodeNoDevice      = "NO_DEVICE"
	CodeTimeout       = "TIMEOUT"
	CodeAdapterError  = "ADAPTER_ERROR"
)

// permanentCodes are adapter errors retrying cannot fix.
var permanentCodes = map[string]bool{
	CodeInvalidNumber: true,
	CodeBlocked:       true,
	CodeSimError:      true,
}

// SendError carries the adapter's failure classification.
type SendError struct {
	Code    string
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("dispatch: send failed (%s): %s", e.Code, e.Message)
}

// Permanent reports whether the failure is terminal.
func (e *SendError) Permanent() bool { return permanentCodes[e.Code] }

// IsPermanentCode reports whether a device-reported error code is terminal.
func IsPermanentCode(code string) bool { return permanentCodes[code] }

// Sender hands a message to a device for transmission.
type Sender interface {
	Send(ctx context.Context, dev *store.Device, msg *store.OutboundMessage) (externalID string, err error)
}

// HTTPAdapter pushes messages to the device bridge over HTTP. The bridge holds
// the persistent connections to online handsets and relays the send command.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAdapter returns an adapter posting to baseURL with the given timeout.
func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type adapterRequest struct {
	MessageID string `json:"message_id"`
	DeviceID  string `json:"device_id"`
	To        string `json:"to"`
	Message   string `json:"message"`
}

type adapterResponse struct {
	ExternalID string `json:"external_id"`
	ErrorCode  string `json:"error_code"`
	Error      string `json:"error"`
}

// Send posts the message to the bridge and interprets its verdict.
func (a *HTTPAdapter) Send(ctx context.Context, dev *store.Device, msg *store.OutboundMessage) (string, error) {
	body, err := json.Marshal(adapterRequest{
		MessageID: msg.ID.String(),
		DeviceID:  dev.ID.String(),
		To:        msg.ToNumber,
		Message:   msg.MessageBody,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch: encode adapter request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("dispatch: build adapter request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &SendError{Code: CodeTimeout, Message: "adapter did not respond in time"}
		}
		return "", &SendError{Code: CodeAdapterError, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	var out adapterResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", &SendError{Code: CodeAdapterError, Message: fmt.Sprintf("bad adapter response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK || out.ErrorCode != "" {
		code := out.ErrorCode
		if code == "" {
			code = CodeAdapterError
		}
		message := out.Error
		if message == "" {
			message = fmt.Sprintf("adapter returned status %d", resp.StatusCode)
		}
		return "", &SendError{Code: code, Message: message}
	}
	return out.ExternalID, nil
}
