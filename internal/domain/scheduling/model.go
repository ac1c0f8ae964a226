package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Weekday is the three-letter day code a Slot recurs on.
type Weekday string

const (
	Monday    Weekday = "MON"
	Tuesday   Weekday = "TUE"
	Wednesday Weekday = "WED"
	Thursday  Weekday = "THU"
	Friday    Weekday = "FRI"
	Saturday  Weekday = "SAT"
	Sunday    Weekday = "SUN"
)

// Weekdays lists the days in catalog order.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// ParseWeekday accepts the three-letter code in any case.
func ParseWeekday(s string) (Weekday, error) {
	w := Weekday(strings.ToUpper(strings.TrimSpace(s)))
	if w.Index() < 0 {
		return "", fmt.Errorf("invalid weekday %q, want one of MON..SUN", s)
	}
	return w, nil
}

// Index is the Monday-first position of w, or -1 for an unknown code.
func (w Weekday) Index() int {
	for i, d := range Weekdays {
		if d == w {
			return i
		}
	}
	return -1
}

func WeekdayOf(d time.Weekday) Weekday {
	return Weekdays[(int(d)+6)%7]
}

// TimeOfDay is minutes since midnight, written as "HH:MM".
type TimeOfDay int

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

const dateLayout = "2006-01-02"

// Date is a calendar date without a time zone, written as "YYYY-MM-DD".
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return Date{t: t}, nil
}

// DateOf drops the clock part of t, keeping its calendar day.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func (d Date) IsZero() bool { return d.t.IsZero() }

// Time returns midnight UTC on d.
func (d Date) Time() time.Time { return d.t }

func (d Date) Weekday() Weekday { return WeekdayOf(d.t.Weekday()) }

func (d Date) Equal(other Date) bool { return d.t.Equal(other.t) }

func (d Date) String() string { return d.t.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Status is the lifecycle state of an Appointment.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusBooked   Status = "BOOKED"
	StatusRejected Status = "REJECTED"
	StatusDone     Status = "DONE"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusBooked: true, StatusRejected: true, StatusDone: true,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !validStatuses[st] {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return st, nil
}

// Action is a lifecycle command.
type Action string

const (
	ActionCreate     Action = "create"
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionReschedule Action = "reschedule"
	ActionComplete   Action = "complete"
)

// Role is the part an actor plays. Values match the auth layer's role names.
type Role string

const (
	RolePatient      Role = "patient"
	RoleDoctor       Role = "doctor"
	RoleReceptionist Role = "receptionist"
)

// Actor is the authenticated caller of a command or query.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// Slot is a weekly window a doctor offers.
type Slot struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	Day       Weekday   `json:"day"`
	Start     TimeOfDay `json:"start"`
	End       TimeOfDay `json:"end"`
	Available bool      `json:"available"`
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID              uuid.UUID `json:"id"`
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	SlotID          uuid.UUID `json:"slot_id"`
	AppointmentDate Date      `json:"appointment_date"`
	RescheduleDate  *Date     `json:"reschedule_date,omitempty"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason"`
	RecordIDs       []string  `json:"record_ids"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type PatientSummary struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Phone  string    `json:"phone,omitempty"`
	DOB    *Date     `json:"dob,omitempty"`
	Gender string    `json:"gender,omitempty"`
}

type DoctorSummary struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone,omitempty"`
	Specialization string    `json:"specialization,omitempty"`
}

// AppointmentView is an appointment joined with its slot and both parties.
// Actions lists what the viewing actor may do next.
type AppointmentView struct {
	Appointment Appointment    `json:"appointment"`
	Slot        Slot           `json:"slot"`
	Patient     PatientSummary `json:"patient"`
	Doctor      DoctorSummary  `json:"doctor"`
	Actions     []Action       `json:"actions"`
}

// SlotChange is one entry of an UpdateSlots batch. With SlotID set only
// Available is used; otherwise Day, Start and End name the window.
type SlotChange struct {
	SlotID    *uuid.UUID `json:"slot_id,omitempty"`
	Day       Weekday    `json:"day,omitempty"`
	Start     TimeOfDay  `json:"start,omitempty"`
	End       TimeOfDay  `json:"end,omitempty"`
	Available bool       `json:"available"`
}

// Window is one cell of the availability grid.
type Window struct {
	Start     TimeOfDay  `json:"start"`
	End       TimeOfDay  `json:"end"`
	SlotID    *uuid.UUID `json:"slot_id,omitempty"`
	Available bool       `json:"available"`
	OffGrid   bool       `json:"off_grid,omitempty"`
}

type DayAvailability struct {
	Day     Weekday  `json:"day"`
	Windows []Window `json:"windows"`
}

// CreateAppointmentInput is what a patient submits. PatientID may be left
// zero, in which case the acting patient is used.
type CreateAppointmentInput struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	SlotID    uuid.UUID
	Date      string
	Reason    string
	RecordIDs []string
}

// AppointmentFilter selects appointments for listing. Nil ids mean "any".
type AppointmentFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Statuses  []Status
	Limit     int
	Offset    int
}
