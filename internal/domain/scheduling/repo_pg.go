package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careflow/careflow/internal/platform/db"
)

const microsPerMinute = 60 * 1000 * 1000

func pgTime(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * microsPerMinute, Valid: true}
}

func fromPGTime(t pgtype.Time) TimeOfDay {
	return TimeOfDay(t.Microseconds / microsPerMinute)
}

func pgDate(d Date) pgtype.Date {
	return pgtype.Date{Time: d.Time(), Valid: true}
}

func pgDatePtr(d *Date) pgtype.Date {
	if d == nil {
		return pgtype.Date{}
	}
	return pgDate(*d)
}

func fromPGDatePtr(d pgtype.Date) *Date {
	if !d.Valid {
		return nil
	}
	v := DateOf(d.Time)
	return &v
}

// =========== Transactions ===========

type pgTxRunner struct{ pool *pgxpool.Pool }

// NewTxRunner returns a TxRunner whose transactions are picked up by every
// repository in this package through the context.
func NewTxRunner(pool *pgxpool.Pool) TxRunner { return &pgTxRunner{pool: pool} }

func (r *pgTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, fn)
}

// =========== Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const slotCols = `id, doctor_id, day, start_time, end_time, available`

func scanSlot(row pgx.Row) (*Slot, error) {
	var (
		sl         Slot
		day        string
		start, end pgtype.Time
	)
	if err := row.Scan(&sl.ID, &sl.DoctorID, &day, &start, &end, &sl.Available); err != nil {
		return nil, err
	}
	sl.Day = Weekday(strings.TrimSpace(day))
	sl.Start = fromPGTime(start)
	sl.End = fromPGTime(end)
	return &sl, nil
}

func (r *slotRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Slot, error) {
	sl, err := scanSlot(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %s: %w", id, err)
	}
	return sl, nil
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.get(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1`, id)
}

func (r *slotRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.get(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1 FOR UPDATE`, id)
}

func (r *slotRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+slotCols+` FROM slot
		WHERE doctor_id = $1
		ORDER BY array_position(ARRAY['MON','TUE','WED','THU','FRI','SAT','SUN'], day::text), start_time, end_time`,
		doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*Slot{}
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sl)
	}
	return items, rows.Err()
}

func (r *slotRepoPG) SetAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE slot SET available = $2, updated_at = NOW() WHERE id = $1`, id, available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *slotRepoPG) Upsert(ctx context.Context, sl *Slot) (bool, error) {
	var created bool
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO slot (doctor_id, day, start_time, end_time, available)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (doctor_id, day, start_time, end_time)
		DO UPDATE SET available = EXCLUDED.available, updated_at = NOW()
		RETURNING id, (xmax = 0)`,
		sl.DoctorID, string(sl.Day), pgTime(sl.Start), pgTime(sl.End), sl.Available,
	).Scan(&sl.ID, &created)
	return created, err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const apptCols = `a.id, a.patient_id, a.doctor_id, a.slot_id, a.appointment_date,
	a.reschedule_date, a.status, a.reason, a.record_ids, a.created_at, a.updated_at`

func apptScanTargets(a *Appointment, date, resched *pgtype.Date, status *string) []any {
	return []any{&a.ID, &a.PatientID, &a.DoctorID, &a.SlotID, date,
		resched, status, &a.Reason, &a.RecordIDs, &a.CreatedAt, &a.UpdatedAt}
}

func finishAppt(a *Appointment, date, resched pgtype.Date, status string) {
	a.AppointmentDate = DateOf(date.Time)
	a.RescheduleDate = fromPGDatePtr(resched)
	a.Status = Status(status)
	if a.RecordIDs == nil {
		a.RecordIDs = []string{}
	}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a             Appointment
		date, resched pgtype.Date
		status        string
	)
	if err := row.Scan(apptScanTargets(&a, &date, &resched, &status)...); err != nil {
		return nil, err
	}
	finishAppt(&a, date, resched, status)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	if a.RecordIDs == nil {
		a.RecordIDs = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, slot_id, appointment_date,
			reschedule_date, status, reason, record_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.SlotID, pgDate(a.AppointmentDate),
		pgDatePtr(a.RescheduleDate), string(a.Status), a.Reason, a.RecordIDs,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment a WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, a *Appointment) error) (*Appointment, error) {
	var out *Appointment
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
			`SELECT `+apptCols+` FROM appointment a WHERE a.id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock appointment %s: %w", id, err)
		}

		if err := fn(ctx, a); err != nil {
			return err
		}

		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE appointment SET appointment_date = $2, reschedule_date = $3, status = $4,
				reason = $5, record_ids = $6, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			a.ID, pgDate(a.AppointmentDate), pgDatePtr(a.RescheduleDate), string(a.Status),
			a.Reason, a.RecordIDs,
		).Scan(&a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("write appointment %s: %w", id, err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *appointmentRepoPG) CountActive(ctx context.Context, slotID uuid.UUID, date Date, excludeID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment
		WHERE slot_id = $1 AND appointment_date = $2 AND id <> $3
			AND status IN ('PENDING', 'BOOKED')`,
		slotID, pgDate(date), excludeID).Scan(&n)
	return n, err
}

const viewFrom = `
	FROM appointment a
	JOIN slot s ON s.id = a.slot_id
	JOIN patient p ON p.id = a.patient_id
	JOIN doctor d ON d.id = a.doctor_id`

const viewCols = apptCols + `,
	s.id, s.doctor_id, s.day, s.start_time, s.end_time, s.available,
	p.id, p.name, p.email, COALESCE(p.phone, ''), p.dob, COALESCE(p.gender, ''),
	d.id, d.name, d.email, COALESCE(d.phone, ''), COALESCE(d.specialization, '')`

func scanView(row pgx.Row) (*AppointmentView, error) {
	var (
		v             AppointmentView
		date, resched pgtype.Date
		status, day   string
		start, end    pgtype.Time
		dob           pgtype.Date
	)
	targets := apptScanTargets(&v.Appointment, &date, &resched, &status)
	targets = append(targets,
		&v.Slot.ID, &v.Slot.DoctorID, &day, &start, &end, &v.Slot.Available,
		&v.Patient.ID, &v.Patient.Name, &v.Patient.Email, &v.Patient.Phone, &dob, &v.Patient.Gender,
		&v.Doctor.ID, &v.Doctor.Name, &v.Doctor.Email, &v.Doctor.Phone, &v.Doctor.Specialization)
	if err := row.Scan(targets...); err != nil {
		return nil, err
	}
	finishAppt(&v.Appointment, date, resched, status)
	v.Slot.Day = Weekday(strings.TrimSpace(day))
	v.Slot.Start = fromPGTime(start)
	v.Slot.End = fromPGTime(end)
	v.Patient.DOB = fromPGDatePtr(dob)
	v.Actions = []Action{}
	return &v, nil
}

func (r *appointmentRepoPG) GetView(ctx context.Context, id uuid.UUID) (*AppointmentView, error) {
	v, err := scanView(r.conn(ctx).QueryRow(ctx, `SELECT `+viewCols+viewFrom+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment view %s: %w", id, err)
	}
	return v, nil
}

func (r *appointmentRepoPG) ListViews(ctx context.Context, f AppointmentFilter) ([]*AppointmentView, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.PatientID != nil {
		where += fmt.Sprintf(` AND a.patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.DoctorID != nil {
		where += fmt.Sprintf(` AND a.doctor_id = $%d`, idx)
		args = append(args, *f.DoctorID)
		idx++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where += fmt.Sprintf(` AND a.status = ANY($%d)`, idx)
		args = append(args, statuses)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment a`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + viewCols + viewFrom + where +
		fmt.Sprintf(` ORDER BY a.appointment_date DESC, s.start_time, a.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	items := []*AppointmentView{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}
