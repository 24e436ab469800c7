package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// apiError is a non-2xx reply from the admin API.
type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin API: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("admin API: %s (%s)", e.Message, e.Code)
}

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	// Enrollment captures frames; leave room for the camera to warm up.
	return &apiClient{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

type statusReply struct {
	KioskID   string               `json:"kiosk_id"`
	SessionID string               `json:"session_id"`
	Admission service.Status       `json:"admission"`
	Events    map[types.Status]int `json:"events"`
}

type manualAdmissionReply struct {
	EventID  int64 `json:"event_id"`
	Recorded bool  `json:"recorded"`
}

type reloadReply struct {
	Identities int `json:"identities"`
}

type enrollBody struct {
	Name       string    `json:"name"`
	Details    string    `json:"details,omitempty"`
	Credential *string   `json:"credential,omitempty"`
	Embedding  []float64 `json:"embedding,omitempty"`
}

type updateBody struct {
	Name       *string `json:"name,omitempty"`
	Details    *string `json:"details,omitempty"`
	Credential *string `json:"credential,omitempty"`
}

func (c *apiClient) Status(ctx context.Context) (statusReply, error) {
	var out statusReply
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func (c *apiClient) Pause(ctx context.Context, reason string) (service.Status, error) {
	var out service.Status
	err := c.do(ctx, http.MethodPost, "/v1/admin/pause", map[string]string{"reason": reason}, &out)
	return out, err
}

func (c *apiClient) Resume(ctx context.Context) (service.Status, error) {
	var out service.Status
	err := c.do(ctx, http.MethodPost, "/v1/admin/resume", nil, &out)
	return out, err
}

func (c *apiClient) ReloadConfig(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/config/reload", nil, nil)
}

func (c *apiClient) ReloadGallery(ctx context.Context) (int, error) {
	var out reloadReply
	err := c.do(ctx, http.MethodPost, "/v1/gallery/reload", nil, &out)
	return out.Identities, err
}

func (c *apiClient) Admit(ctx context.Context, identityID int64) (manualAdmissionReply, error) {
	var out manualAdmissionReply
	err := c.do(ctx, http.MethodPost, "/v1/admissions/manual", map[string]int64{"identity_id": identityID}, &out)
	return out, err
}

func (c *apiClient) Scan(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/v1/credentials", map[string]string{"code": code}, nil)
}

func (c *apiClient) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	var out []types.Identity
	err := c.do(ctx, http.MethodGet, "/v1/identities", nil, &out)
	return out, err
}

func (c *apiClient) Enroll(ctx context.Context, body enrollBody) (types.Identity, error) {
	var out types.Identity
	err := c.do(ctx, http.MethodPost, "/v1/identities", body, &out)
	return out, err
}

func (c *apiClient) UpdateIdentity(ctx context.Context, id int64, body updateBody) (types.Identity, error) {
	var out types.Identity
	err := c.do(ctx, http.MethodPatch, identityPath(id), body, &out)
	return out, err
}

func (c *apiClient) DeleteIdentity(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, identityPath(id), nil, nil)
}

func (c *apiClient) Recapture(ctx context.Context, id int64) (types.Identity, error) {
	var out types.Identity
	err := c.do(ctx, http.MethodPost, identityPath(id)+"/capture", nil, &out)
	return out, err
}

func (c *apiClient) ListEvents(ctx context.Context, status string, limit int) ([]types.AdmissionEvent, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []types.AdmissionEvent
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) TransitionEvent(ctx context.Context, id int64, action string) (types.AdmissionEvent, error) {
	var out types.AdmissionEvent
	err := c.do(ctx, http.MethodPost, "/v1/events/"+strconv.FormatInt(id, 10)+"/"+action, nil, &out)
	return out, err
}

func identityPath(id int64) string {
	return "/v1/identities/" + strconv.FormatInt(id, 10)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to kiosk: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
