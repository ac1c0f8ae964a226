package scheduling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/platform/apierror"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/validation"
)

// newTestServer wires the handler behind dev header auth and the API error
// handler, the way the server does.
func newTestServer(t *testing.T, exclusive bool) (*fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t, exclusive)
	e := echo.New()
	e.Validator = validation.New()
	e.HTTPErrorHandler = apierror.HTTPErrorHandler(zerolog.Nop())
	api := e.Group("/api/v1", auth.DevAuthMiddleware(nil))
	NewHandler(f.svc).RegisterRoutes(api)
	return f, e
}

func do(e *echo.Echo, method, path string, actor *Actor, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if actor != nil {
		req.Header.Set(auth.ActorIDHeader, actor.ID.String())
		req.Header.Set(auth.ActorRoleHeader, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env apierror.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return env.Error.Kind
}

func TestHandler_BookingLifecycle(t *testing.T) {
	f, e := newTestServer(t, false)

	body := `{"doctor_id":"` + f.doctor.ID.String() + `","slot_id":"` + f.monday.ID.String() +
		`","date":"2025-06-02","reason":"checkup","record_ids":["r1"]}`
	rec := do(e, http.MethodPost, "/api/v1/appointments", &f.patient, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var a Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.Status != StatusPending || a.AppointmentDate.String() != "2025-06-02" {
		t.Fatalf("unexpected appointment %+v", a)
	}
	base := "/api/v1/appointments/" + a.ID.String()

	rec = do(e, http.MethodPost, base+"/approve", &f.receptionist, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, base+"/reschedule", &f.receptionist, `{"date":"2025-06-09"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule: %d %s", rec.Code, rec.Body.String())
	}
	json.Unmarshal(rec.Body.Bytes(), &a)
	if a.Status != StatusPending || a.RescheduleDate == nil || a.RescheduleDate.String() != "2025-06-09" {
		t.Errorf("unexpected rescheduled appointment %+v", a)
	}

	rec = do(e, http.MethodPatch, base+"/status", &f.receptionist, `{"action":"approve"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status approve: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, base+"/complete", &f.doctor, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, base+"/complete", &f.doctor, "")
	if rec.Code != http.StatusConflict || errorKind(t, rec) != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RoleGuards(t *testing.T) {
	f, e := newTestServer(t, false)
	a := f.book(t, "2025-06-02")
	base := "/api/v1/appointments/" + a.ID.String()

	tests := []struct {
		name   string
		method string
		path   string
		actor  *Actor
		body   string
		status int
	}{
		{"no actor", http.MethodGet, "/api/v1/appointments", nil, "", http.StatusUnauthorized},
		{"doctor approves", http.MethodPost, base + "/approve", &f.doctor, "", http.StatusForbidden},
		{"patient rejects", http.MethodPost, base + "/reject", &f.patient, "", http.StatusForbidden},
		{"receptionist completes", http.MethodPost, base + "/complete", &f.receptionist, "", http.StatusForbidden},
		{"receptionist books", http.MethodPost, "/api/v1/appointments", &f.receptionist, `{}`, http.StatusForbidden},
		{"doctor edits slots", http.MethodPut, "/api/v1/doctors/" + f.doctor.ID.String() + "/slots", &f.doctor, `{"changes":[]}`, http.StatusForbidden},
		{"bad id", http.MethodPost, "/api/v1/appointments/nope/approve", &f.receptionist, "", http.StatusBadRequest},
		{"unknown appointment", http.MethodPost, "/api/v1/appointments/" + uuid.NewString() + "/approve", &f.receptionist, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.method, tt.path, tt.actor, tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_CreateAppointment_Validation(t *testing.T) {
	f, e := newTestServer(t, false)

	rec := do(e, http.MethodPost, "/api/v1/appointments", &f.patient, `{"doctor_id":"x","reason":""}`)
	if rec.Code != http.StatusUnprocessableEntity || errorKind(t, rec) != "validation" {
		t.Fatalf("expected 422 validation, got %d %s", rec.Code, rec.Body.String())
	}
	var env apierror.Envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	fields, _ := env.Error.Details["fields"].([]interface{})
	if len(fields) < 3 {
		t.Errorf("expected doctor_id, slot_id, date and reason to fail, got %v", env.Error.Details)
	}

	// well-formed but on the wrong weekday
	body := `{"doctor_id":"` + f.doctor.ID.String() + `","slot_id":"` + f.monday.ID.String() +
		`","date":"2025-06-03","reason":"checkup"}`
	rec = do(e, http.MethodPost, "/api/v1/appointments", &f.patient, body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/appointments", &f.patient, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandler_CreateAppointment_Conflict(t *testing.T) {
	f, e := newTestServer(t, true)
	f.book(t, "2025-06-02")

	body := `{"doctor_id":"` + f.doctor.ID.String() + `","slot_id":"` + f.monday.ID.String() +
		`","date":"2025-06-02","reason":"checkup"}`
	rec := do(e, http.MethodPost, "/api/v1/appointments", &f.otherPatient, body)
	if rec.Code != http.StatusConflict || errorKind(t, rec) != "conflict" {
		t.Fatalf("expected 409 conflict, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_UpdateSlots(t *testing.T) {
	f, e := newTestServer(t, false)
	path := "/api/v1/doctors/" + f.doctor.ID.String() + "/slots"

	body := `{"changes":[
		{"slot_id":"` + f.monday.ID.String() + `","available":false},
		{"day":"fri","start":"14:00","end":"14:30","available":true}
	]}`
	rec := do(e, http.MethodPut, path, &f.receptionist, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var slots []Slot
	if err := json.Unmarshal(rec.Body.Bytes(), &slots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(slots) != 2 || slots[0].Available || slots[1].Day != Friday || slots[1].Start.String() != "14:00" {
		t.Errorf("unexpected catalog %+v", slots)
	}

	rec = do(e, http.MethodPut, path, &f.receptionist, `{"changes":[{"day":"fri","start":"14:00","available":true}]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for missing end, got %d", rec.Code)
	}
	rec = do(e, http.MethodPut, path, &f.receptionist, `{"changes":[{"day":"fri","start":"15:00","end":"14:30","available":true}]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for inverted window, got %d", rec.Code)
	}
	rec = do(e, http.MethodPut, path, &f.receptionist, `{"changes":[{"slot_id":"`+uuid.NewString()+`","available":true}]}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown slot, got %d", rec.Code)
	}
}

func TestHandler_ListSlotsAndAvailability(t *testing.T) {
	f, e := newTestServer(t, false)
	base := "/api/v1/doctors/" + f.doctor.ID.String()

	rec := do(e, http.MethodGet, base+"/slots", &f.patient, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("slots: %d", rec.Code)
	}
	var slots []map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &slots)
	if len(slots) != 1 || slots[0]["day"] != "MON" || slots[0]["start"] != "09:00" {
		t.Errorf("unexpected slots %v", slots)
	}

	rec = do(e, http.MethodGet, base+"/availability", &f.patient, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("availability: %d", rec.Code)
	}
	var days []DayAvailability
	if err := json.Unmarshal(rec.Body.Bytes(), &days); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(days) != 7 || !days[0].Windows[0].Available {
		t.Errorf("unexpected availability %+v", days)
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	f, e := newTestServer(t, false)
	f.book(t, "2025-06-02")
	f.book(t, "2025-06-09")

	rec := do(e, http.MethodGet, "/api/v1/appointments?status=pending&limit=1", &f.receptionist, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data    []AppointmentView `json:"data"`
		Total   int               `json:"total"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("unexpected page total=%d len=%d more=%v", page.Total, len(page.Data), page.HasMore)
	}

	rec = do(e, http.MethodGet, "/api/v1/appointments", &f.doctor, "")
	var raw map[string]json.RawMessage
	json.Unmarshal(rec.Body.Bytes(), &raw)
	if string(raw["data"]) != "[]" {
		t.Errorf("doctor should see no pending work by default, got %s", raw["data"])
	}

	rec = do(e, http.MethodGet, "/api/v1/appointments?status=CANCELLED", &f.receptionist, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unknown status, got %d", rec.Code)
	}
}

func TestHandler_GetAppointment(t *testing.T) {
	f, e := newTestServer(t, false)
	a := f.book(t, "2025-06-02")
	path := "/api/v1/appointments/" + a.ID.String()

	rec := do(e, http.MethodGet, path, &f.patient, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var v AppointmentView
	json.Unmarshal(rec.Body.Bytes(), &v)
	if v.Appointment.ID != a.ID || v.Doctor.ID != f.doctor.ID {
		t.Errorf("unexpected view %+v", v)
	}

	rec = do(e, http.MethodGet, path, &f.otherPatient, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another patient, got %d", rec.Code)
	}
}

func TestHandler_DirectCall_NoActor(t *testing.T) {
	f := newFixture(t, false)
	h := NewHandler(f.svc)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())

	err := h.GetAppointment(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

type acceptAll struct{}

func (acceptAll) Validate(interface{}) error { return nil }

func TestHandler_MalformedIDsWithoutValidator(t *testing.T) {
	f := newFixture(t, false)
	h := NewHandler(f.svc)
	e := echo.New()
	e.Validator = acceptAll{}

	tests := []struct {
		name  string
		call  func(echo.Context) error
		actor Actor
		param string
		body  string
	}{
		{"create with bad slot", h.CreateAppointment, f.patient, "",
			`{"doctor_id":"` + f.doctor.ID.String() + `","slot_id":"nope","date":"2025-06-02","reason":"x"}`},
		{"create with bad patient", h.CreateAppointment, f.patient, "",
			`{"patient_id":"nope","doctor_id":"` + f.doctor.ID.String() + `","slot_id":"` + f.monday.ID.String() + `","date":"2025-06-02","reason":"x"}`},
		{"update with bad slot", h.UpdateSlots, f.doctor, f.doctor.ID.String(),
			`{"changes":[{"slot_id":"nope","available":true}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{ID: tt.actor.ID.String(), Role: string(tt.actor.Role)}))
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.param != "" {
				c.SetParamNames("id")
				c.SetParamValues(tt.param)
			}

			err := tt.call(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %v", err)
			}
		})
	}
	if len(f.appts.appts) != 0 {
		t.Errorf("expected nothing stored, got %d appointments", len(f.appts.appts))
	}
}
