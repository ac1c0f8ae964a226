package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type Repository interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	// ListDoctors filters on specialization (case-insensitive) when it is non-empty.
	ListDoctors(ctx context.Context, specialization string, limit, offset int) ([]*Doctor, int, error)
}
