package scheduling

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes expects api to be behind authentication. Role checks here
// only reject obviously wrong callers early; the service enforces the full
// lifecycle rules.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/doctors/:id/slots", h.ListSlots)
	api.GET("/doctors/:id/availability", h.Availability)
	api.PUT("/doctors/:id/slots", h.UpdateSlots, auth.RequireRole(auth.RoleReceptionist))

	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments", h.CreateAppointment, auth.RequireRole(auth.RolePatient))

	desk := api.Group("/appointments/:id", auth.RequireRole(auth.RoleReceptionist))
	desk.POST("/approve", h.ApproveAppointment)
	desk.POST("/reject", h.RejectAppointment)
	desk.POST("/reschedule", h.RescheduleAppointment)
	desk.PATCH("/status", h.UpdateStatus)

	api.POST("/appointments/:id/complete", h.CompleteAppointment, auth.RequireRole(auth.RoleDoctor))
}

// -- Request DTOs --

type slotChangeRequest struct {
	SlotID    *string `json:"slot_id" validate:"omitempty,uuid"`
	Day       string  `json:"day" validate:"required_without=SlotID,omitempty,weekday"`
	Start     string  `json:"start" validate:"required_without=SlotID,omitempty,clock"`
	End       string  `json:"end" validate:"required_without=SlotID,omitempty,clock"`
	Available *bool   `json:"available" validate:"required"`
}

type updateSlotsRequest struct {
	Changes []slotChangeRequest `json:"changes" validate:"dive"`
}

type createAppointmentRequest struct {
	PatientID string   `json:"patient_id" validate:"omitempty,uuid"`
	DoctorID  string   `json:"doctor_id" validate:"required,uuid"`
	SlotID    string   `json:"slot_id" validate:"required,uuid"`
	Date      string   `json:"date" validate:"required"`
	Reason    string   `json:"reason" validate:"required,max=2000"`
	RecordIDs []string `json:"record_ids" validate:"omitempty,dive,required"`
}

type rescheduleRequest struct {
	Date string `json:"date" validate:"required"`
}

type statusRequest struct {
	Action string `json:"action" validate:"required"`
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.Validate(req)
}

func actorFrom(c echo.Context) (Actor, error) {
	a, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "actor id must be a UUID")
	}
	return Actor{ID: id, Role: Role(a.Role)}, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bodyID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+field)
	}
	return id, nil
}

// -- Slot Catalog --

func (h *Handler) ListSlots(c echo.Context) error {
	doctorID, err := pathID(c)
	if err != nil {
		return err
	}
	slots, err := h.svc.ListSlots(c.Request().Context(), doctorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slots)
}

func (h *Handler) Availability(c echo.Context) error {
	doctorID, err := pathID(c)
	if err != nil {
		return err
	}
	days, err := h.svc.Availability(c.Request().Context(), doctorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, days)
}

func (h *Handler) UpdateSlots(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	doctorID, err := pathID(c)
	if err != nil {
		return err
	}
	var req updateSlotsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	changes := make([]SlotChange, 0, len(req.Changes))
	for i, r := range req.Changes {
		ch := SlotChange{Available: *r.Available}
		if r.SlotID != nil {
			id, err := bodyID("slot_id", *r.SlotID)
			if err != nil {
				return err
			}
			ch.SlotID = &id
			changes = append(changes, ch)
			continue
		}
		// the validator has already checked the formats
		ch.Day, _ = ParseWeekday(r.Day)
		ch.Start, _ = ParseTimeOfDay(r.Start)
		ch.End, _ = ParseTimeOfDay(r.End)
		if ch.End <= ch.Start {
			return fieldError("changes", "change %d: end %s must be after start %s", i, r.End, r.Start)
		}
		changes = append(changes, ch)
	}

	slots, err := h.svc.UpdateSlots(c.Request().Context(), actor, doctorID, changes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slots)
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createAppointmentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	in := CreateAppointmentInput{
		Date:      req.Date,
		Reason:    req.Reason,
		RecordIDs: req.RecordIDs,
	}
	if in.DoctorID, err = bodyID("doctor_id", req.DoctorID); err != nil {
		return err
	}
	if in.SlotID, err = bodyID("slot_id", req.SlotID); err != nil {
		return err
	}
	if req.PatientID != "" {
		if in.PatientID, err = bodyID("patient_id", req.PatientID); err != nil {
			return err
		}
	}

	a, err := h.svc.CreateAppointment(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

// ListAppointments accepts ?status= as a comma separated list or repeated.
func (h *Handler) ListAppointments(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var statuses []Status
	for _, raw := range c.QueryParams()["status"] {
		for _, s := range strings.Split(raw, ",") {
			if strings.TrimSpace(s) == "" {
				continue
			}
			st, err := ParseStatus(s)
			if err != nil {
				return fieldError("status", "%s", err)
			}
			statuses = append(statuses, st)
		}
	}

	pg := pagination.FromContext(c)
	views, total, err := h.svc.ListAppointments(c.Request().Context(), actor, ListQuery{
		Statuses: statuses,
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	})
	if err != nil {
		return err
	}
	if views == nil {
		views = []*AppointmentView{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetAppointment(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

type transitionFunc func(h *Handler, c echo.Context, actor Actor, id uuid.UUID) (*Appointment, error)

func (h *Handler) transition(c echo.Context, fn transitionFunc) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := fn(h, c, actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ApproveAppointment(c echo.Context) error {
	return h.transition(c, func(h *Handler, c echo.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
		return h.svc.ApproveAppointment(c.Request().Context(), actor, id)
	})
}

func (h *Handler) RejectAppointment(c echo.Context) error {
	return h.transition(c, func(h *Handler, c echo.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
		return h.svc.RejectAppointment(c.Request().Context(), actor, id)
	})
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	return h.transition(c, func(h *Handler, c echo.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
		return h.svc.CompleteAppointment(c.Request().Context(), actor, id)
	})
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	return h.transition(c, func(h *Handler, c echo.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
		var req rescheduleRequest
		if err := bindAndValidate(c, &req); err != nil {
			return nil, err
		}
		return h.svc.RescheduleAppointment(c.Request().Context(), actor, id, req.Date)
	})
}

// UpdateStatus is the action-by-name form: {"action": "approve"}.
func (h *Handler) UpdateStatus(c echo.Context) error {
	return h.transition(c, func(h *Handler, c echo.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
		var req statusRequest
		if err := bindAndValidate(c, &req); err != nil {
			return nil, err
		}
		return h.svc.ApplyAction(c.Request().Context(), actor, id, req.Action)
	})
}
