// Package client is a typed Go client for the CareFlow scheduling API.
//
// Reads go through a per-client cache. A successful command updates only the
// cache entries it affects: slot edits drop that doctor's catalog and
// availability, lifecycle actions patch the one appointment in cached lists,
// and a new booking drops the cached lists. Nothing is assumed about what
// other clients have cached or changed. A failed command leaves the cache as
// it was.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/careflow/internal/domain/directory"
	"github.com/careflow/careflow/internal/domain/scheduling"
	"github.com/careflow/careflow/internal/platform/apierror"
)

const DefaultCacheTTL = 30 * time.Second

// APIError is a non-2xx response decoded from the API error envelope.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("careflow: %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

// Client talks to one CareFlow server as one actor.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	actorID    string
	actorRole  string
	cache      *responseCache
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken authenticates every request with token.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDevActor sends the development identity headers. Only servers running
// with ENV=development accept them.
func WithDevActor(id uuid.UUID, role string) Option {
	return func(c *Client) {
		c.actorID = id.String()
		c.actorRole = role
	}
}

// WithCacheTTL sets how long read responses are reused. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cache = newResponseCache(ttl) }
}

// New returns a client for the API rooted at baseURL, e.g.
// "http://localhost:8000/api/v1".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cache:      newResponseCache(DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invalidate drops everything this client has cached.
func (c *Client) Invalidate() { c.cache.clear() }

func cacheKey(path string, q url.Values) string {
	return path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actorID != "" {
		req.Header.Set("X-Actor-ID", c.actorID)
		req.Header.Set("X-Actor-Role", c.actorRole)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Kind: "error", Message: http.StatusText(resp.StatusCode)}
		var env apierror.Envelope
		if json.Unmarshal(data, &env) == nil && env.Error.Kind != "" {
			apiErr.Kind = env.Error.Kind
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return nil, apiErr
	}
	return data, nil
}

// get serves path from the cache when it can and fills the cache otherwise.
func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	key := cacheKey(path, q)
	data, ok := c.cache.get(key)
	if !ok {
		var err error
		data, err = c.do(ctx, http.MethodGet, path, q, nil)
		if err != nil {
			return err
		}
		c.cache.set(key, data)
	}
	return json.Unmarshal(data, out)
}

// -- Directory --

type DoctorPage struct {
	Data    []directory.Doctor `json:"data"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
	HasMore bool               `json:"has_more"`
}

func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}

func (c *Client) ListDoctors(ctx context.Context, specialization string, limit, offset int) (*DoctorPage, error) {
	q := pageQuery(limit, offset)
	if specialization != "" {
		q.Set("specialization", specialization)
	}
	var page DoctorPage
	if err := c.get(ctx, "/doctors", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetDoctor(ctx context.Context, id uuid.UUID) (*directory.Doctor, error) {
	var d directory.Doctor
	if err := c.get(ctx, "/doctors/"+id.String(), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// -- Slot Catalog --

func doctorPrefix(id uuid.UUID) string { return "/doctors/" + id.String() + "/" }

func (c *Client) ListSlots(ctx context.Context, doctorID uuid.UUID) ([]scheduling.Slot, error) {
	var slots []scheduling.Slot
	if err := c.get(ctx, doctorPrefix(doctorID)+"slots", nil, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

func (c *Client) Availability(ctx context.Context, doctorID uuid.UUID) ([]scheduling.DayAvailability, error) {
	var days []scheduling.DayAvailability
	if err := c.get(ctx, doctorPrefix(doctorID)+"availability", nil, &days); err != nil {
		return nil, err
	}
	return days, nil
}

// SlotChange is one entry of UpdateSlots: either SlotID with Available, or a
// Day/Start/End window such as "MON", "09:00", "09:30".
type SlotChange struct {
	SlotID    *uuid.UUID `json:"slot_id,omitempty"`
	Day       string     `json:"day,omitempty"`
	Start     string     `json:"start,omitempty"`
	End       string     `json:"end,omitempty"`
	Available bool       `json:"available"`
}

// UpdateSlots applies changes and returns the doctor's catalog afterwards.
// The returned catalog replaces the cached one; cached availability for the
// doctor is dropped.
func (c *Client) UpdateSlots(ctx context.Context, doctorID uuid.UUID, changes []SlotChange) ([]scheduling.Slot, error) {
	if changes == nil {
		changes = []SlotChange{}
	}
	path := doctorPrefix(doctorID) + "slots"
	data, err := c.do(ctx, http.MethodPut, path, nil, map[string]interface{}{"changes": changes})
	if err != nil {
		return nil, err
	}
	var slots []scheduling.Slot
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, fmt.Errorf("decode slots: %w", err)
	}
	c.cache.deletePrefix(doctorPrefix(doctorID))
	c.cache.set(cacheKey(path, nil), data)
	return slots, nil
}

// -- Appointments --

type AppointmentPage struct {
	Data    []scheduling.AppointmentView `json:"data"`
	Total   int                          `json:"total"`
	Limit   int                          `json:"limit"`
	Offset  int                          `json:"offset"`
	HasMore bool                         `json:"has_more"`
}

type ListOptions struct {
	Statuses []scheduling.Status
	Limit    int
	Offset   int
}

const appointmentListPrefix = "/appointments?"

func (c *Client) ListAppointments(ctx context.Context, opts ListOptions) (*AppointmentPage, error) {
	q := pageQuery(opts.Limit, opts.Offset)
	if len(opts.Statuses) > 0 {
		parts := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	var page AppointmentPage
	if err := c.get(ctx, "/appointments", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetAppointment(ctx context.Context, id uuid.UUID) (*scheduling.AppointmentView, error) {
	var v scheduling.AppointmentView
	if err := c.get(ctx, "/appointments/"+id.String(), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

type CreateAppointmentRequest struct {
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	SlotID    uuid.UUID  `json:"slot_id"`
	Date      string     `json:"date"`
	Reason    string     `json:"reason"`
	RecordIDs []string   `json:"record_ids,omitempty"`
}

// CreateAppointment books a slot. Cached appointment lists are dropped since
// the new appointment changes their totals.
func (c *Client) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*scheduling.Appointment, error) {
	data, err := c.do(ctx, http.MethodPost, "/appointments", nil, req)
	if err != nil {
		return nil, err
	}
	var a scheduling.Appointment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode appointment: %w", err)
	}
	c.cache.deletePrefix(appointmentListPrefix)
	return &a, nil
}

func (c *Client) ApproveAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return c.transition(ctx, id, "/approve", nil)
}

func (c *Client) RejectAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return c.transition(ctx, id, "/reject", nil)
}

func (c *Client) RescheduleAppointment(ctx context.Context, id uuid.UUID, date string) (*scheduling.Appointment, error) {
	return c.transition(ctx, id, "/reschedule", map[string]string{"date": date})
}

func (c *Client) CompleteAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return c.transition(ctx, id, "/complete", nil)
}

// SetStatus applies an action by name ("approve", "reject") through the
// PATCH status endpoint.
func (c *Client) SetStatus(ctx context.Context, id uuid.UUID, action string) (*scheduling.Appointment, error) {
	return c.transitionMethod(ctx, http.MethodPatch, id, "/status", map[string]string{"action": action})
}

func (c *Client) transition(ctx context.Context, id uuid.UUID, suffix string, body interface{}) (*scheduling.Appointment, error) {
	return c.transitionMethod(ctx, http.MethodPost, id, suffix, body)
}

func (c *Client) transitionMethod(ctx context.Context, method string, id uuid.UUID, suffix string, body interface{}) (*scheduling.Appointment, error) {
	if body == nil && method == http.MethodPost {
		body = struct{}{}
	}
	data, err := c.do(ctx, method, "/appointments/"+id.String()+suffix, nil, body)
	if err != nil {
		return nil, err
	}
	var a scheduling.Appointment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode appointment: %w", err)
	}
	c.patchAppointment(&a)
	return &a, nil
}

// patchAppointment replaces a in every cached list that holds it. Lists
// filtered by status lose it when its new status no longer matches, and are
// dropped for a refetch when it now matches but they do not hold it, since
// only the server knows where it sorts. The allowed actions of a patched entry are cleared because only the server
// knows them; GetAppointment fetches them again since the single view is
// dropped.
func (c *Client) patchAppointment(a *scheduling.Appointment) {
	c.cache.delete(cacheKey("/appointments/"+a.ID.String(), nil))
	c.cache.update(appointmentListPrefix, func(key string, data []byte) []byte {
		var page AppointmentPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil
		}
		idx := -1
		for i := range page.Data {
			if page.Data[i].Appointment.ID == a.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			if filtersStatus(key) && statusMatches(key, a.Status) {
				return nil
			}
			return data
		}
		if !statusMatches(key, a.Status) {
			page.Data = append(page.Data[:idx], page.Data[idx+1:]...)
			page.Total--
		} else {
			page.Data[idx].Appointment = *a
			page.Data[idx].Actions = []scheduling.Action{}
		}
		out, err := json.Marshal(page)
		if err != nil {
			return nil
		}
		return out
	})
}

func filtersStatus(key string) bool {
	i := strings.IndexByte(key, '?')
	if i < 0 {
		return false
	}
	q, err := url.ParseQuery(key[i+1:])
	return err == nil && q.Get("status") != ""
}

func statusMatches(key string, st scheduling.Status) bool {
	i := strings.IndexByte(key, '?')
	if i < 0 {
		return true
	}
	q, err := url.ParseQuery(key[i+1:])
	if err != nil {
		return false
	}
	raw := q.Get("status")
	if raw == "" {
		return true
	}
	for _, s := range strings.Split(raw, ",") {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return true
		}
	}
	return false
}
