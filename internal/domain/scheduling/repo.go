package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/careflow/careflow/internal/domain/directory"
)

// Repository methods return ErrNotFound (possibly wrapped) for missing rows.

type SlotRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// GetForUpdate locks the slot row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Slot, error)
	SetAvailability(ctx context.Context, id uuid.UUID, available bool) error
	// Upsert inserts sl or, when the (doctor, day, start, end) window already
	// exists, updates its availability. sl.ID is set either way.
	Upsert(ctx context.Context, sl *Slot) (created bool, err error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Update locks the row, hands a copy to fn and writes it back when fn
	// returns nil. When fn fails the row is left as it was.
	Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, a *Appointment) error) (*Appointment, error)
	// CountActive counts PENDING and BOOKED appointments holding slotID on
	// date, ignoring excludeID.
	CountActive(ctx context.Context, slotID uuid.UUID, date Date, excludeID uuid.UUID) (int, error)
	GetView(ctx context.Context, id uuid.UUID) (*AppointmentView, error)
	ListViews(ctx context.Context, f AppointmentFilter) ([]*AppointmentView, int, error)
}

// Directory resolves the patients and doctors appointments refer to.
// *directory.Service satisfies it.
type Directory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*directory.Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*directory.Doctor, error)
}

// TxRunner runs fn in one database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransitionRecorder counts lifecycle actions by outcome.
type TransitionRecorder interface {
	RecordTransition(action, outcome string)
}
