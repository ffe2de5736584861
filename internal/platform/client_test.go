package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second)
}

func errorBody(code, subcode int, message, userMsg string) string {
	body := map[string]any{
		"error": map[string]any{
			"code":           code,
			"error_subcode":  subcode,
			"message":        message,
			"error_user_msg": userMsg,
		},
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func TestPerformCallCreateCampaign(t *testing.T) {
	var gotPath, gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"120210000000000001"}`))
	})

	payload := json.RawMessage(`{"name":"Spring Sale","objective":"OUTCOME_SALES"}`)
	result, err := client.PerformCall(context.Background(), "tok-1", models.ActionCreateCampaign, "1234", payload)
	if err != nil {
		t.Fatalf("PerformCall() error = %v", err)
	}
	if result.EntityID != "120210000000000001" {
		t.Errorf("EntityID = %q", result.EntityID)
	}
	if gotPath != "/act_1234/campaigns" {
		t.Errorf("path = %q, want /act_1234/campaigns", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("auth = %q, want Bearer tok-1", gotAuth)
	}
}

func TestPerformCallRoutes(t *testing.T) {
	tests := []struct {
		action  models.ActionType
		payload string
		method  string
		path    string
	}{
		{models.ActionCreateAdSet, `{"campaign_id":"c1","name":"as-1"}`, http.MethodPost, "/act_1234/adsets"},
		{models.ActionCreateAd, `{"adset_id":"s1","name":"ad-1"}`, http.MethodPost, "/act_1234/ads"},
		{models.ActionUpdateCampaign, `{"remote_id":"c1","fields":{"name":"x"}}`, http.MethodPost, "/c1"},
		{models.ActionDuplicate, `{"source_id":"c1","entity_type":"campaign"}`, http.MethodPost, "/c1/copies"},
		{models.ActionDelete, `{"entity_type":"campaign","remote_id":"c1"}`, http.MethodDelete, "/c1"},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			var gotMethod, gotPath string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				w.Write([]byte(`{"id":"ent_1"}`))
			})

			_, err := client.PerformCall(context.Background(), "tok", tt.action, "1234", json.RawMessage(tt.payload))
			if err != nil {
				t.Fatalf("PerformCall() error = %v", err)
			}
			if gotMethod != tt.method || gotPath != tt.path {
				t.Errorf("routed to %s %s, want %s %s", gotMethod, gotPath, tt.method, tt.path)
			}
		})
	}
}

func TestPerformCallRejectsBadPayloadLocally(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := client.PerformCall(context.Background(), "tok", models.ActionCreateCampaign, "1234", json.RawMessage(`{"objective":"x"}`))
	if err == nil {
		t.Fatalf("PerformCall() error = nil, want payload validation error")
	}
	if called {
		t.Errorf("a payload missing required fields reached the server")
	}
}

func TestClassifyQuotaErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http 429", http.StatusTooManyRequests, ""},
		{"code 17", http.StatusBadRequest, errorBody(17, 0, "User request limit reached", "")},
		{"code 4", http.StatusBadRequest, errorBody(4, 0, "Application request limit reached", "")},
		{"code 80004", http.StatusBadRequest, errorBody(80004, 2446079, "Too many calls to this ad account", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			payload := json.RawMessage(`{"name":"x","objective":"y"}`)
			_, err := client.PerformCall(context.Background(), "tok", models.ActionCreateCampaign, "1234", payload)
			if !errors.Is(err, ErrQuotaExceeded) {
				t.Errorf("error = %v, want ErrQuotaExceeded", err)
			}
		})
	}
}

func TestClassifyInvalidCredential(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http 401", http.StatusUnauthorized, ""},
		{"code 190", http.StatusBadRequest, errorBody(190, 460, "Error validating access token", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			err := client.ValidateToken(context.Background(), "tok")
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("error = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestClassifyServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(errorBody(1, 0, "An unknown error occurred", "")))
	})

	payload := json.RawMessage(`{"name":"x","objective":"y"}`)
	_, err := client.PerformCall(context.Background(), "tok", models.ActionCreateCampaign, "1234", payload)
	if err == nil {
		t.Fatalf("PerformCall() error = nil, want transient error")
	}
	var entityErr *EntityError
	if errors.As(err, &entityErr) {
		t.Errorf("5xx classified as EntityError, want a plain transient error")
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrInvalidCredential) {
		t.Errorf("5xx classified as %v", err)
	}
}

func TestClassifyEntityError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(errorBody(100, 1487000, "Invalid parameter", "The daily budget is below the minimum.")))
	})

	payload := json.RawMessage(`{"name":"x","objective":"y"}`)
	_, err := client.PerformCall(context.Background(), "tok", models.ActionCreateCampaign, "1234", payload)

	var entityErr *EntityError
	if !errors.As(err, &entityErr) {
		t.Fatalf("error = %v, want EntityError", err)
	}
	if entityErr.Code != 100 || entityErr.Subcode != 1487000 {
		t.Errorf("code/subcode = %d/%d, want 100/1487000", entityErr.Code, entityErr.Subcode)
	}
	if entityErr.UserMessage() != "The daily budget is below the minimum." {
		t.Errorf("UserMessage() = %q", entityErr.UserMessage())
	}
	if !strings.Contains(entityErr.Raw, "Invalid parameter") {
		t.Errorf("Raw = %q, want the original body preserved", entityErr.Raw)
	}
}

func TestGetAccountStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/act_1234" {
			t.Errorf("path = %q, want /act_1234", r.URL.Path)
		}
		w.Write([]byte(`{"id":"act_1234","account_status":"active","campaign_count":42,"campaign_limit":5000}`))
	})

	status, err := client.GetAccountStatus(context.Background(), "tok", "1234")
	if err != nil {
		t.Fatalf("GetAccountStatus() error = %v", err)
	}
	if status.Suspended() {
		t.Errorf("Suspended() = true for an active account")
	}
	if status.AtLimit() {
		t.Errorf("AtLimit() = true at 42/5000")
	}
}

func TestFindCampaignByName(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("name"); got != "Spring Sale" {
			t.Errorf("name query = %q, want Spring Sale", got)
		}
		w.Write([]byte(`{"data":[{"id":"c1"}]}`))
	})

	exists, err := client.FindCampaignByName(context.Background(), "tok", "1234", "Spring Sale")
	if err != nil {
		t.Fatalf("FindCampaignByName() error = %v", err)
	}
	if !exists {
		t.Errorf("exists = false, want true")
	}

	empty := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	exists, err = empty.FindCampaignByName(context.Background(), "tok", "1234", "Other")
	if err != nil {
		t.Fatalf("FindCampaignByName() error = %v", err)
	}
	if exists {
		t.Errorf("exists = true, want false")
	}
}
