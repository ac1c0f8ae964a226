//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/careflow/careflow/internal/domain/scheduling"
)

const (
	monday     = "2030-01-07"
	nextMonday = "2030-01-14"
)

func (f *fixture) book(t *testing.T, date string) *scheduling.Appointment {
	t.Helper()
	a, err := f.svc.CreateAppointment(context.Background(), f.patient, scheduling.CreateAppointmentInput{
		DoctorID:  f.doctor.ID,
		SlotID:    f.slot.ID,
		Date:      date,
		Reason:    "  chest pain  ",
		RecordIDs: []string{"rec-1"},
	})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return a
}

func TestAppointmentLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	a := f.book(t, monday)
	if a.ID == uuid.Nil || a.Status != scheduling.StatusPending {
		t.Fatalf("unexpected created appointment %+v", a)
	}
	if a.Reason != "chest pain" {
		t.Errorf("expected trimmed reason, got %q", a.Reason)
	}
	if a.CreatedAt.IsZero() {
		t.Error("expected created_at from the database")
	}

	t.Run("Approve", func(t *testing.T) {
		got, err := f.svc.ApproveAppointment(ctx, f.receptionist, a.ID)
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if got.Status != scheduling.StatusBooked {
			t.Errorf("expected BOOKED, got %s", got.Status)
		}
	})

	t.Run("Reschedule", func(t *testing.T) {
		got, err := f.svc.RescheduleAppointment(ctx, f.receptionist, a.ID, nextMonday)
		if err != nil {
			t.Fatalf("reschedule: %v", err)
		}
		if got.Status != scheduling.StatusPending {
			t.Errorf("expected PENDING after reschedule, got %s", got.Status)
		}
		if got.AppointmentDate.String() != nextMonday {
			t.Errorf("expected date %s, got %s", nextMonday, got.AppointmentDate)
		}
		if got.RescheduleDate == nil || got.RescheduleDate.String() != nextMonday {
			t.Errorf("expected reschedule date %s, got %v", nextMonday, got.RescheduleDate)
		}
	})

	t.Run("CompleteRequiresBooked", func(t *testing.T) {
		_, err := f.svc.CompleteAppointment(ctx, f.doctor, a.ID)
		expectKind(t, err, scheduling.KindInvalidTransition)

		stored, err := f.appointments.GetByID(ctx, a.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status != scheduling.StatusPending {
			t.Errorf("failed transition must leave the row alone, got %s", stored.Status)
		}
	})

	t.Run("ApproveThenComplete", func(t *testing.T) {
		if _, err := f.svc.ApproveAppointment(ctx, f.receptionist, a.ID); err != nil {
			t.Fatalf("approve: %v", err)
		}
		got, err := f.svc.CompleteAppointment(ctx, f.doctor, a.ID)
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if got.Status != scheduling.StatusDone {
			t.Errorf("expected DONE, got %s", got.Status)
		}
	})

	t.Run("DoneIsTerminal", func(t *testing.T) {
		_, err := f.svc.RejectAppointment(ctx, f.receptionist, a.ID)
		expectKind(t, err, scheduling.KindInvalidTransition)
	})
}

func TestCreateAppointment_ValidatesAgainstDatabase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.svc.CreateAppointment(ctx, f.patient, scheduling.CreateAppointmentInput{
		DoctorID: uuid.New(), SlotID: f.slot.ID, Date: monday, Reason: "x",
	})
	expectKind(t, err, scheduling.KindNotFound)

	_, err = f.svc.CreateAppointment(ctx, f.patient, scheduling.CreateAppointmentInput{
		DoctorID: f.doctor.ID, SlotID: uuid.New(), Date: monday, Reason: "x",
	})
	expectKind(t, err, scheduling.KindNotFound)

	// 2030-01-08 is a Tuesday
	_, err = f.svc.CreateAppointment(ctx, f.patient, scheduling.CreateAppointmentInput{
		DoctorID: f.doctor.ID, SlotID: f.slot.ID, Date: "2030-01-08", Reason: "x",
	})
	expectKind(t, err, scheduling.KindValidation)

	if err := f.slots.SetAvailability(ctx, f.slot.ID, false); err != nil {
		t.Fatalf("set availability: %v", err)
	}
	_, err = f.svc.CreateAppointment(ctx, f.patient, scheduling.CreateAppointmentInput{
		DoctorID: f.doctor.ID, SlotID: f.slot.ID, Date: monday, Reason: "x",
	})
	expectKind(t, err, scheduling.KindValidation)
}

func TestSlotExclusivity(t *testing.T) {
	ctx := context.Background()

	t.Run("AdvisoryAllowsDoubleBooking", func(t *testing.T) {
		f := newFixture(t, false)
		f.book(t, monday)
		f.book(t, monday)
		n, err := f.appointments.CountActive(ctx, f.slot.ID, mustDate(t, monday), uuid.Nil)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 active appointments, got %d", n)
		}
	})

	t.Run("EnforcedRejectsSecondBooking", func(t *testing.T) {
		f := newFixture(t, true)
		first := f.book(t, monday)

		_, err := f.svc.CreateAppointment(ctx, f.patient, scheduling.CreateAppointmentInput{
			DoctorID: f.doctor.ID, SlotID: f.slot.ID, Date: monday, Reason: "again",
		})
		expectKind(t, err, scheduling.KindConflict)

		// the same slot on another Monday is free
		other := f.book(t, nextMonday)

		_, err = f.svc.RescheduleAppointment(ctx, f.receptionist, other.ID, monday)
		expectKind(t, err, scheduling.KindConflict)

		// rejecting frees the date again
		if _, err := f.svc.RejectAppointment(ctx, f.receptionist, first.ID); err != nil {
			t.Fatalf("reject: %v", err)
		}
		if _, err := f.svc.RescheduleAppointment(ctx, f.receptionist, other.ID, monday); err != nil {
			t.Fatalf("reschedule into freed date: %v", err)
		}

		// re-approving the rejected one now collides with the rescheduled one
		_, err = f.svc.ApproveAppointment(ctx, f.receptionist, first.ID)
		expectKind(t, err, scheduling.KindConflict)
	})
}

func TestUpdateSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	tuesdayStart := mustTime(t, "10:00")
	tuesdayEnd := mustTime(t, "10:30")
	slots, err := f.svc.UpdateSlots(ctx, f.receptionist, f.doctor.ID, []scheduling.SlotChange{
		{SlotID: &f.slot.ID, Available: false},
		{Day: scheduling.Tuesday, Start: tuesdayStart, End: tuesdayEnd, Available: true},
	})
	if err != nil {
		t.Fatalf("update slots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if slots[0].Day != scheduling.Monday || slots[0].Available {
		t.Errorf("expected disabled Monday slot first, got %+v", slots[0])
	}
	if slots[1].Day != scheduling.Tuesday || !slots[1].Available {
		t.Errorf("expected available Tuesday slot second, got %+v", slots[1])
	}

	t.Run("UpsertExistingWindow", func(t *testing.T) {
		sl := &scheduling.Slot{DoctorID: f.doctor.ID, Day: scheduling.Tuesday, Start: tuesdayStart, End: tuesdayEnd}
		created, err := f.slots.Upsert(ctx, sl)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if created {
			t.Error("expected the existing window to be updated")
		}
		if sl.ID != slots[1].ID {
			t.Errorf("expected id %s, got %s", slots[1].ID, sl.ID)
		}
	})

	t.Run("AllOrNothing", func(t *testing.T) {
		_, err := f.svc.UpdateSlots(ctx, f.receptionist, f.doctor.ID, []scheduling.SlotChange{
			{SlotID: &f.slot.ID, Available: true},
			{Day: scheduling.Wednesday, Start: mustTime(t, "09:10"), End: mustTime(t, "09:40"), Available: true},
		})
		expectKind(t, err, scheduling.KindValidation)

		sl, err := f.slots.GetByID(ctx, f.slot.ID)
		if err != nil {
			t.Fatalf("get slot: %v", err)
		}
		if sl.Available {
			t.Error("rejected batch must not change earlier entries")
		}
	})

	t.Run("ForeignSlot", func(t *testing.T) {
		other := newFixture(t, false)
		_, err := f.svc.UpdateSlots(ctx, f.receptionist, f.doctor.ID, []scheduling.SlotChange{
			{SlotID: &other.slot.ID, Available: false},
		})
		expectKind(t, err, scheduling.KindNotFound)
	})
}

func TestAppointmentViews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	pending := f.book(t, monday)
	booked := f.book(t, nextMonday)
	if _, err := f.svc.ApproveAppointment(ctx, f.receptionist, booked.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	t.Run("Patient", func(t *testing.T) {
		views, total, err := f.svc.ListAppointments(ctx, f.patient, scheduling.ListQuery{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != 2 || len(views) != 2 {
			t.Fatalf("expected 2 appointments, got %d (total %d)", len(views), total)
		}
		// newest date first
		if views[0].Appointment.ID != booked.ID {
			t.Errorf("expected %s first, got %s", booked.ID, views[0].Appointment.ID)
		}
		v := views[1]
		if v.Doctor.Name != "Dr. Grey" || v.Doctor.Specialization != "cardiology" {
			t.Errorf("unexpected doctor summary %+v", v.Doctor)
		}
		if v.Patient.Name != "Ada Patient" || v.Patient.DOB == nil || v.Patient.DOB.String() != "1990-04-02" {
			t.Errorf("unexpected patient summary %+v", v.Patient)
		}
		if v.Slot.ID != f.slot.ID || v.Slot.Start.String() != "09:00" {
			t.Errorf("unexpected slot %+v", v.Slot)
		}
		if len(v.Appointment.RecordIDs) != 1 || v.Appointment.RecordIDs[0] != "rec-1" {
			t.Errorf("unexpected record ids %v", v.Appointment.RecordIDs)
		}
	})

	t.Run("DoctorSeesBookedOnly", func(t *testing.T) {
		views, total, err := f.svc.ListAppointments(ctx, f.doctor, scheduling.ListQuery{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != 1 || views[0].Appointment.ID != booked.ID {
			t.Fatalf("expected only the booked appointment, got %d", total)
		}
		if len(views[0].Actions) != 1 || views[0].Actions[0] != scheduling.ActionComplete {
			t.Errorf("expected complete action, got %v", views[0].Actions)
		}
	})

	t.Run("ReceptionistFiltersByStatus", func(t *testing.T) {
		views, _, err := f.svc.ListAppointments(ctx, f.receptionist, scheduling.ListQuery{
			Statuses: []scheduling.Status{scheduling.StatusPending},
			Limit:    100,
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		found := false
		for _, v := range views {
			if v.Appointment.Status != scheduling.StatusPending {
				t.Errorf("unexpected status %s", v.Appointment.Status)
			}
			if v.Appointment.ID == pending.ID {
				found = true
			}
		}
		if !found {
			t.Error("expected the pending appointment in the receptionist list")
		}
	})

	t.Run("GetHidesOtherPatients", func(t *testing.T) {
		stranger := scheduling.Actor{ID: createPatient(t, ctx, "Someone Else"), Role: scheduling.RolePatient}
		_, err := f.svc.GetAppointment(ctx, stranger, pending.ID)
		expectKind(t, err, scheduling.KindNotFound)

		v, err := f.svc.GetAppointment(ctx, f.patient, pending.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v.Appointment.Status != scheduling.StatusPending {
			t.Errorf("expected PENDING, got %s", v.Appointment.Status)
		}
	})
}

func mustDate(t *testing.T, s string) scheduling.Date {
	t.Helper()
	d, err := scheduling.ParseDate(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}
