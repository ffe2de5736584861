package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Action payloads form a tagged union keyed by ActionType. Each variant is
// decoded and shape-checked before the dispatcher touches the network, so a
// malformed request fails locally instead of half-way through a batch.

// CampaignPayload creates the parent campaign entity.
type CampaignPayload struct {
	Name         string `json:"name"`
	Objective    string `json:"objective"`
	Status       string `json:"status,omitempty"`
	DailyBudget  int64  `json:"daily_budget,omitempty"`
	SpecialAdCat string `json:"special_ad_category,omitempty"`
}

// AdSetPayload creates one ad set under an existing campaign.
type AdSetPayload struct {
	CampaignID       string          `json:"campaign_id"`
	Name             string          `json:"name"`
	OptimizationGoal string          `json:"optimization_goal,omitempty"`
	BillingEvent     string          `json:"billing_event,omitempty"`
	DailyBudget      int64           `json:"daily_budget,omitempty"`
	Targeting        json.RawMessage `json:"targeting,omitempty"`
}

// AdPayload creates one ad under an existing ad set.
type AdPayload struct {
	AdSetID    string `json:"adset_id"`
	Name       string `json:"name"`
	CreativeID string `json:"creative_id,omitempty"`
	PageID     string `json:"page_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

// UpdatePayload mutates fields on an existing entity.
type UpdatePayload struct {
	RemoteID string         `json:"remote_id"`
	Fields   map[string]any `json:"fields"`
}

// DuplicatePayload clones an existing entity.
type DuplicatePayload struct {
	SourceID   string `json:"source_id"`
	EntityType string `json:"entity_type"`
	NameSuffix string `json:"name_suffix,omitempty"`
}

// BatchPayload wraps several sub-requests submitted as one platform batch.
type BatchPayload struct {
	Requests []json.RawMessage `json:"requests"`
}

// DeletePayload removes or deactivates a remote entity. Used by rollback.
type DeletePayload struct {
	EntityType string `json:"entity_type"`
	RemoteID   string `json:"remote_id"`
}

// DecodePayload parses raw JSON into the payload variant for the action and
// validates its required fields.
func DecodePayload(action ActionType, raw []byte) (any, error) {
	var (
		v   any
		err error
	)
	switch action {
	case ActionCreateCampaign:
		p := &CampaignPayload{}
		err = strictUnmarshal(raw, p)
		if err == nil && p.Name == "" {
			err = fmt.Errorf("campaign payload: name is required")
		}
		v = p
	case ActionCreateAdSet:
		p := &AdSetPayload{}
		err = strictUnmarshal(raw, p)
		if err == nil && (p.CampaignID == "" || p.Name == "") {
			err = fmt.Errorf("adset payload: campaign_id and name are required")
		}
		v = p
	case ActionCreateAd:
		p := &AdPayload{}
		err = strictUnmarshal(raw, p)
		if err == nil && (p.AdSetID == "" || p.Name == "") {
			err = fmt.Errorf("ad payload: adset_id and name are required")
		}
		v = p
	case ActionUpdateCampaign, ActionUpdateAdSet, ActionUpdateAd:
		p := &UpdatePayload{}
		err = strictUnmarshal(raw, p)
		if err == nil && (p.RemoteID == "" || len(p.Fields) == 0) {
			err = fmt.Errorf("update payload: remote_id and fields are required")
		}
		v = p
	case ActionDuplicate:
		p := &DuplicatePayload{}
		err = strictUnmarshal(raw, p)
		if err == nil && (p.SourceID == "" || p.EntityType == "") {
			err = fmt.Errorf("duplicate payload: source_id and entity_type are required")
		}
		v = p
	case ActionBatch:
		p := &BatchPayload{}
		err = strictUnmarshal(raw, p)
		if err == nil && len(p.Requests) == 0 {
			err = fmt.Errorf("batch payload: requests must not be empty")
		}
		v = p
	case ActionDelete:
		p := &DeletePayload{}
		err = strictUnmarshal(raw, p)
		if err == nil && (p.EntityType == "" || p.RemoteID == "") {
			err = fmt.Errorf("delete payload: entity_type and remote_id are required")
		}
		v = p
	default:
		return nil, fmt.Errorf("unknown action type %q", action)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
