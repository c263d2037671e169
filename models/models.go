// Package models implements the model catalog endpoints. Only the direct
// vendor backend serves them.
package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
)

// ModelInfo describes one model.
type ModelInfo struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Page is one page of the model list.
type Page struct {
	Data    []ModelInfo `json:"data"`
	HasMore bool        `json:"has_more"`
	FirstID string      `json:"first_id"`
	LastID  string      `json:"last_id"`
}

// ListParams paginates List. Set at most one of BeforeID and AfterID.
type ListParams struct {
	BeforeID string
	AfterID  string
	Limit    int
}

func (p ListParams) query() (string, error) {
	if p.BeforeID != "" && p.AfterID != "" {
		return "", sdkerrors.New(sdkerrors.KindInvalidRequest, "before_id and after_id are mutually exclusive")
	}
	if p.Limit < 0 || p.Limit > 1000 {
		return "", sdkerrors.New(sdkerrors.KindInvalidRequest, "limit must be between 1 and 1000")
	}
	q := url.Values{}
	if p.BeforeID != "" {
		q.Set("before_id", p.BeforeID)
	}
	if p.AfterID != "" {
		q.Set("after_id", p.AfterID)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	return q.Encode(), nil
}

// Service exposes the models endpoints.
type Service struct {
	provider providers.Provider
}

// NewService returns a Service backed by provider.
func NewService(provider providers.Provider) *Service {
	return &Service{provider: provider}
}

// List returns one page of models, most recent first.
func (s *Service) List(ctx context.Context, params ListParams) (*Page, error) {
	q, err := params.query()
	if err != nil {
		return nil, err
	}
	var page Page
	if err := s.get(ctx, providers.PathModels, q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListAll follows pagination until every model has been fetched.
func (s *Service) ListAll(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	params := ListParams{Limit: 100}
	for {
		page, err := s.List(ctx, params)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		if !page.HasMore || page.LastID == "" {
			return out, nil
		}
		params.AfterID = page.LastID
	}
}

// Get returns a single model by ID or alias.
func (s *Service) Get(ctx context.Context, id string) (*ModelInfo, error) {
	if id == "" {
		return nil, sdkerrors.New(sdkerrors.KindInvalidRequest, "model id is required")
	}
	var info ModelInfo
	if err := s.get(ctx, providers.PathModels+"/"+url.PathEscape(id), "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *Service) get(ctx context.Context, path, query string, out any) error {
	resp, err := s.provider.Request(ctx, &providers.Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return sdkerrors.Wrap(sdkerrors.KindSerialization, err, "decode models response").
			WithProvider(s.provider.Name()).WithEndpoint("GET " + path)
	}
	return nil
}
