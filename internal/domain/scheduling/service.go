package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/domain/directory"
)

type Options struct {
	Grid SlotGrid
	// EnforceSlotExclusivity rejects a booking with ConflictError when another
	// PENDING or BOOKED appointment holds the same slot on the same date.
	EnforceSlotExclusivity bool
	Recorder               TransitionRecorder
	Logger                 zerolog.Logger
}

type Service struct {
	slots        SlotRepository
	appointments AppointmentRepository
	directory    Directory
	tx           TxRunner
	grid         SlotGrid
	exclusive    bool
	recorder     TransitionRecorder
	logger       zerolog.Logger
}

func NewService(slots SlotRepository, appts AppointmentRepository, dir Directory, tx TxRunner, opts Options) *Service {
	return &Service{
		slots:        slots,
		appointments: appts,
		directory:    dir,
		tx:           tx,
		grid:         opts.Grid,
		exclusive:    opts.EnforceSlotExclusivity,
		recorder:     opts.Recorder,
		logger:       opts.Logger,
	}
}

func (s *Service) Grid() SlotGrid { return s.grid }

// -- Slot Catalog --

// ListSlots returns a doctor's catalog ordered by weekday then start time.
// An unknown doctor has an empty catalog.
func (s *Service) ListSlots(ctx context.Context, doctorID uuid.UUID) ([]*Slot, error) {
	slots, err := s.slots.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list slots for doctor %s: %w", doctorID, err)
	}
	sortSlots(slots)
	return slots, nil
}

// Availability returns the configured grid for every weekday merged with the
// doctor's stored slots.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID) ([]DayAvailability, error) {
	slots, err := s.ListSlots(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return s.grid.Availability(slots), nil
}

// UpdateSlots applies a batch of availability changes to a doctor's catalog
// and returns the catalog afterwards. Every entry is checked before anything
// is written, and the writes share one transaction, so the batch is applied
// entirely or not at all.
func (s *Service) UpdateSlots(ctx context.Context, actor Actor, doctorID uuid.UUID, changes []SlotChange) ([]*Slot, error) {
	if actor.Role != RoleReceptionist {
		return nil, &Error{
			Kind:    KindAuthorization,
			Message: fmt.Sprintf("role %q may not manage slots", actor.Role),
			Details: map[string]any{"role": string(actor.Role)},
		}
	}
	if err := s.requireDoctor(ctx, doctorID); err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return s.ListSlots(ctx, doctorID)
	}

	for i, ch := range changes {
		if ch.SlotID != nil {
			sl, err := s.slots.GetByID(ctx, *ch.SlotID)
			if errors.Is(err, ErrNotFound) || (err == nil && sl.DoctorID != doctorID) {
				e := NotFoundError("slot", *ch.SlotID)
				e.Details["index"] = i
				return nil, e
			}
			if err != nil {
				return nil, fmt.Errorf("load slot %s: %w", *ch.SlotID, err)
			}
			continue
		}
		if ch.Day.Index() < 0 {
			return nil, fieldError(fmt.Sprintf("changes[%d].day", i), "change %d: invalid weekday %q", i, ch.Day)
		}
		if !s.grid.OnGrid(ch.Start, ch.End) {
			return nil, fieldError(fmt.Sprintf("changes[%d].start", i),
				"change %d: window %s-%s is not on the %d-minute grid between %s and %s",
				i, ch.Start, ch.End, s.grid.Granularity, s.grid.DayStart, s.grid.DayEnd)
		}
	}

	var created, updated int
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		for _, ch := range changes {
			if ch.SlotID != nil {
				if err := s.slots.SetAvailability(ctx, *ch.SlotID, ch.Available); err != nil {
					return fmt.Errorf("set availability of slot %s: %w", *ch.SlotID, err)
				}
				updated++
				continue
			}
			sl := &Slot{DoctorID: doctorID, Day: ch.Day, Start: ch.Start, End: ch.End, Available: ch.Available}
			isNew, err := s.slots.Upsert(ctx, sl)
			if err != nil {
				return fmt.Errorf("upsert slot %s %s-%s: %w", ch.Day, ch.Start, ch.End, err)
			}
			if isNew {
				created++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("doctor_id", doctorID.String()).
		Str("actor_id", actor.ID.String()).
		Int("created", created).
		Int("updated", updated).
		Msg("slot catalog updated")

	return s.ListSlots(ctx, doctorID)
}

func (s *Service) requireDoctor(ctx context.Context, id uuid.UUID) error {
	_, err := s.directory.GetDoctor(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return NotFoundError("doctor", id)
	}
	if err != nil {
		return fmt.Errorf("look up doctor %s: %w", id, err)
	}
	return nil
}

func (s *Service) requirePatient(ctx context.Context, id uuid.UUID) error {
	_, err := s.directory.GetPatient(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return NotFoundError("patient", id)
	}
	if err != nil {
		return fmt.Errorf("look up patient %s: %w", id, err)
	}
	return nil
}

// -- Appointments --

// bookableSlot loads slotID and checks that it belongs to doctorID, is
// offered, and recurs on the weekday of date.
func (s *Service) bookableSlot(ctx context.Context, slotID, doctorID uuid.UUID, date Date, lock bool) (*Slot, error) {
	get := s.slots.GetByID
	if lock {
		get = s.slots.GetForUpdate
	}
	sl, err := get(ctx, slotID)
	if errors.Is(err, ErrNotFound) {
		return nil, NotFoundError("slot", slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("load slot %s: %w", slotID, err)
	}
	if sl.DoctorID != doctorID {
		return nil, fieldError("slot_id", "slot %s does not belong to doctor %s", slotID, doctorID)
	}
	if !sl.Available {
		return nil, fieldError("slot_id", "slot %s is not available", slotID)
	}
	if date.Weekday() != sl.Day {
		return nil, fieldError("date", "date %s is a %s but slot %s recurs on %s", date, date.Weekday(), slotID, sl.Day)
	}
	return sl, nil
}

// checkExclusive returns ConflictError when exclusivity is enforced and
// another active appointment holds slotID on date.
func (s *Service) checkExclusive(ctx context.Context, slotID uuid.UUID, date Date, excludeID uuid.UUID) error {
	if !s.exclusive {
		return nil
	}
	n, err := s.appointments.CountActive(ctx, slotID, date, excludeID)
	if err != nil {
		return fmt.Errorf("count bookings for slot %s: %w", slotID, err)
	}
	if n > 0 {
		return ConflictError(slotID, date)
	}
	return nil
}

// CreateAppointment books a slot on a date for a patient. The appointment
// starts out PENDING. Every attempt is counted, rejected input included.
func (s *Service) CreateAppointment(ctx context.Context, actor Actor, in CreateAppointmentInput) (*Appointment, error) {
	a, err := s.createAppointment(ctx, actor, in)
	s.record(ActionCreate, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("action", string(ActionCreate)).
		Str("to", string(a.Status)).
		Str("actor_id", actor.ID.String()).
		Msg("appointment transition")
	return a, nil
}

func (s *Service) createAppointment(ctx context.Context, actor Actor, in CreateAppointmentInput) (*Appointment, error) {
	if err := CanCreate(actor.Role); err != nil {
		return nil, err
	}

	patientID := in.PatientID
	if patientID == uuid.Nil {
		patientID = actor.ID
	}
	if patientID != actor.ID {
		return nil, &Error{
			Kind:    KindAuthorization,
			Message: "patients can only book appointments for themselves",
			Details: map[string]any{"patient_id": patientID.String()},
		}
	}

	switch {
	case in.DoctorID == uuid.Nil:
		return nil, fieldError("doctor_id", "doctor_id is required")
	case in.SlotID == uuid.Nil:
		return nil, fieldError("slot_id", "slot_id is required")
	case strings.TrimSpace(in.Date) == "":
		return nil, fieldError("date", "date is required")
	case strings.TrimSpace(in.Reason) == "":
		return nil, fieldError("reason", "reason is required")
	}
	date, err := ParseDate(in.Date)
	if err != nil {
		return nil, fieldError("date", "%s", err)
	}

	if err := s.requirePatient(ctx, patientID); err != nil {
		return nil, err
	}
	if err := s.requireDoctor(ctx, in.DoctorID); err != nil {
		return nil, err
	}

	recordIDs := in.RecordIDs
	if recordIDs == nil {
		recordIDs = []string{}
	}
	a := &Appointment{
		PatientID:       patientID,
		DoctorID:        in.DoctorID,
		SlotID:          in.SlotID,
		AppointmentDate: date,
		Status:          StatusPending,
		Reason:          strings.TrimSpace(in.Reason),
		RecordIDs:       recordIDs,
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.bookableSlot(ctx, in.SlotID, in.DoctorID, date, s.exclusive); err != nil {
			return err
		}
		if err := s.checkExclusive(ctx, in.SlotID, date, uuid.Nil); err != nil {
			return err
		}
		return s.appointments.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) ApproveAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.apply(ctx, actor, id, ActionApprove, func(ctx context.Context, a *Appointment) error {
		return s.checkExclusiveLocked(ctx, a.SlotID, a.AppointmentDate, a.ID)
	})
}

func (s *Service) RejectAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.apply(ctx, actor, id, ActionReject, nil)
}

// RescheduleAppointment moves an appointment to newDate on its existing slot
// and sends it back to PENDING for re-approval.
func (s *Service) RescheduleAppointment(ctx context.Context, actor Actor, id uuid.UUID, newDate string) (*Appointment, error) {
	if strings.TrimSpace(newDate) == "" {
		return nil, fieldError("date", "date is required")
	}
	date, err := ParseDate(newDate)
	if err != nil {
		return nil, fieldError("date", "%s", err)
	}
	return s.apply(ctx, actor, id, ActionReschedule, func(ctx context.Context, a *Appointment) error {
		if _, err := s.bookableSlot(ctx, a.SlotID, a.DoctorID, date, s.exclusive); err != nil {
			return err
		}
		if err := s.checkExclusive(ctx, a.SlotID, date, a.ID); err != nil {
			return err
		}
		a.AppointmentDate = date
		d := date
		a.RescheduleDate = &d
		return nil
	})
}

// CompleteAppointment marks a booked appointment DONE. Only the
// appointment's own doctor may do this.
func (s *Service) CompleteAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.apply(ctx, actor, id, ActionComplete, func(_ context.Context, a *Appointment) error {
		if a.DoctorID != actor.ID {
			return &Error{
				Kind:    KindAuthorization,
				Message: "only the appointment's doctor may complete it",
				Details: map[string]any{"action": string(ActionComplete)},
			}
		}
		return nil
	})
}

// ApplyAction dispatches a status action by name. Reschedule needs a date and
// is not accepted here.
func (s *Service) ApplyAction(ctx context.Context, actor Actor, id uuid.UUID, action string) (*Appointment, error) {
	a, err := ParseAction(strings.ToLower(strings.TrimSpace(action)))
	if err != nil {
		return nil, err
	}
	switch a {
	case ActionApprove:
		return s.ApproveAppointment(ctx, actor, id)
	case ActionReject:
		return s.RejectAppointment(ctx, actor, id)
	case ActionComplete:
		return s.CompleteAppointment(ctx, actor, id)
	}
	return nil, fieldError("action", "%s requires a date, use the reschedule endpoint", a)
}

func (s *Service) checkExclusiveLocked(ctx context.Context, slotID uuid.UUID, date Date, excludeID uuid.UUID) error {
	if !s.exclusive {
		return nil
	}
	if _, err := s.slots.GetForUpdate(ctx, slotID); err != nil {
		return fmt.Errorf("lock slot %s: %w", slotID, err)
	}
	return s.checkExclusive(ctx, slotID, date, excludeID)
}

// apply runs one lifecycle transition as a locked read-modify-write of the
// appointment row. extra runs after the table check, against the copy that
// will be written back.
func (s *Service) apply(ctx context.Context, actor Actor, id uuid.UUID, action Action, extra func(ctx context.Context, a *Appointment) error) (*Appointment, error) {
	var from Status
	updated, err := s.appointments.Update(ctx, id, func(ctx context.Context, a *Appointment) error {
		from = a.Status
		to, err := Transition(a.Status, action, actor.Role)
		if err != nil {
			return err
		}
		if extra != nil {
			if err := extra(ctx, a); err != nil {
				return err
			}
		}
		a.Status = to
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		err = NotFoundError("appointment", id)
	}
	s.record(action, err)
	if err != nil {
		if KindOf(err) != "" {
			s.logger.Warn().
				Str("appointment_id", id.String()).
				Str("action", string(action)).
				Str("from", string(from)).
				Str("actor_id", actor.ID.String()).
				Str("actor_role", string(actor.Role)).
				Str("kind", string(KindOf(err))).
				Msg("appointment transition rejected")
		}
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("action", string(action)).
		Str("from", string(from)).
		Str("to", string(updated.Status)).
		Str("actor_id", actor.ID.String()).
		Msg("appointment transition")
	return updated, nil
}

func (s *Service) record(action Action, err error) {
	if s.recorder == nil {
		return
	}
	outcome := "applied"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	s.recorder.RecordTransition(string(action), outcome)
}

// -- Queries --

// ListQuery narrows a listing. Which appointments an actor may see is decided
// by ListAppointments, not by the query.
type ListQuery struct {
	Statuses []Status
	Limit    int
	Offset   int
}

// ListAppointments returns the appointments visible to actor: a patient's or
// doctor's own, or all of them for a receptionist. Without a status filter a
// doctor sees only BOOKED and DONE appointments.
func (s *Service) ListAppointments(ctx context.Context, actor Actor, q ListQuery) ([]*AppointmentView, int, error) {
	f := AppointmentFilter{Statuses: q.Statuses, Limit: q.Limit, Offset: q.Offset}
	switch actor.Role {
	case RolePatient:
		id := actor.ID
		f.PatientID = &id
	case RoleDoctor:
		id := actor.ID
		f.DoctorID = &id
		if len(f.Statuses) == 0 {
			f.Statuses = []Status{StatusBooked, StatusDone}
		}
	case RoleReceptionist:
	default:
		return nil, 0, &Error{
			Kind:    KindAuthorization,
			Message: fmt.Sprintf("role %q may not list appointments", actor.Role),
		}
	}

	views, total, err := s.appointments.ListViews(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	for _, v := range views {
		v.Actions = allowedFor(v, actor)
	}
	return views, total, nil
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]*AppointmentView, int, error) {
	return s.ListAppointments(ctx, Actor{ID: patientID, Role: RolePatient}, ListQuery{})
}

func (s *Service) ListForDoctor(ctx context.Context, doctorID uuid.UUID) ([]*AppointmentView, int, error) {
	return s.ListAppointments(ctx, Actor{ID: doctorID, Role: RoleDoctor}, ListQuery{})
}

func (s *Service) ListForReceptionist(ctx context.Context) ([]*AppointmentView, int, error) {
	return s.ListAppointments(ctx, Actor{Role: RoleReceptionist}, ListQuery{})
}

// GetAppointment returns one appointment under the same visibility rules as
// ListAppointments. Appointments the actor may not see are reported as not
// found.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*AppointmentView, error) {
	v, err := s.appointments.GetView(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, NotFoundError("appointment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	switch actor.Role {
	case RolePatient:
		if v.Appointment.PatientID != actor.ID {
			return nil, NotFoundError("appointment", id)
		}
	case RoleDoctor:
		if v.Appointment.DoctorID != actor.ID {
			return nil, NotFoundError("appointment", id)
		}
	case RoleReceptionist:
	default:
		return nil, NotFoundError("appointment", id)
	}
	v.Actions = allowedFor(v, actor)
	return v, nil
}

func allowedFor(v *AppointmentView, actor Actor) []Action {
	actions := AllowedActions(v.Appointment.Status, actor.Role)
	if actor.Role == RoleDoctor && v.Appointment.DoctorID != actor.ID {
		return []Action{}
	}
	if actions == nil {
		return []Action{}
	}
	return actions
}
