package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

// Platform error codes that indicate throttling rather than a bad request.
const (
	codeRateLimit        = 17
	codeAppRateLimit     = 4
	codeAccountRateLimit = 80004
	codeInvalidToken     = 190
)

// Client talks to the ad platform's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a platform client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type apiError struct {
	Error struct {
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		Message   string `json:"message"`
		UserMsg   string `json:"error_user_msg"`
		Transient bool   `json:"is_transient"`
	} `json:"error"`
}

// PerformCall executes one entity operation against the platform.
func (c *Client) PerformCall(ctx context.Context, token string, action models.ActionType, accountID string, payload json.RawMessage) (*CallResult, error) {
	method, path, err := routeAction(action, accountID, payload)
	if err != nil {
		return nil, err
	}

	var result CallResult
	if err := c.request(ctx, token, method, path, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// routeAction maps an action to its endpoint. Update and delete actions
// address the entity directly; creation actions address the account.
func routeAction(action models.ActionType, accountID string, payload json.RawMessage) (method, path string, err error) {
	decoded, err := models.DecodePayload(action, payload)
	if err != nil {
		return "", "", fmt.Errorf("invalid payload for %s: %w", action, err)
	}

	switch action {
	case models.ActionCreateCampaign:
		return http.MethodPost, "/act_" + accountID + "/campaigns", nil
	case models.ActionCreateAdSet:
		return http.MethodPost, "/act_" + accountID + "/adsets", nil
	case models.ActionCreateAd:
		return http.MethodPost, "/act_" + accountID + "/ads", nil
	case models.ActionUpdateCampaign, models.ActionUpdateAdSet, models.ActionUpdateAd:
		p := decoded.(*models.UpdatePayload)
		return http.MethodPost, "/" + p.RemoteID, nil
	case models.ActionDuplicate:
		p := decoded.(*models.DuplicatePayload)
		return http.MethodPost, "/" + p.SourceID + "/copies", nil
	case models.ActionBatch:
		return http.MethodPost, "/act_" + accountID + "/batch", nil
	case models.ActionDelete:
		p := decoded.(*models.DeletePayload)
		return http.MethodDelete, "/" + p.RemoteID, nil
	default:
		return "", "", fmt.Errorf("unknown action type %q", action)
	}
}

// GetAccountStatus fetches the account view used by the verifier.
func (c *Client) GetAccountStatus(ctx context.Context, token, accountID string) (*AccountStatus, error) {
	var status AccountStatus
	path := "/act_" + accountID + "?fields=id,account_status,campaign_count,campaign_limit"
	if err := c.request(ctx, token, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// FindCampaignByName reports whether an active campaign with the name
// exists on the account.
func (c *Client) FindCampaignByName(ctx context.Context, token, accountID, name string) (bool, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	path := "/act_" + accountID + "/campaigns?status=active&name=" + url.QueryEscape(name)
	if err := c.request(ctx, token, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return len(resp.Data) > 0, nil
}

// ValidateToken checks the token against the identity endpoint.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	return c.request(ctx, token, http.MethodGet, "/me?fields=id", nil, nil)
}

func (c *Client) request(ctx context.Context, token, method, path string, body json.RawMessage, result any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return classify(resp.StatusCode, raw)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// classify maps an error response to the dispatcher's taxonomy. The remote
// side is authoritative: a rate-limit signal here overrides local quota
// bookkeeping.
func classify(status int, raw []byte) error {
	var ae apiError
	_ = json.Unmarshal(raw, &ae)

	if status == http.StatusTooManyRequests {
		return ErrQuotaExceeded
	}
	switch ae.Error.Code {
	case codeRateLimit, codeAppRateLimit, codeAccountRateLimit:
		return ErrQuotaExceeded
	case codeInvalidToken:
		return ErrInvalidCredential
	}
	if status == http.StatusUnauthorized {
		return ErrInvalidCredential
	}
	if status >= 500 {
		return fmt.Errorf("platform HTTP %d: %s", status, ae.Error.Message)
	}

	msg := ae.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	return &EntityError{
		Code:    ae.Error.Code,
		Subcode: ae.Error.Subcode,
		Message: msg,
		UserMsg: ae.Error.UserMsg,
		Raw:     string(raw),
	}
}
