package directory

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetPatient(ctx, id)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.repo.GetDoctor(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, specialization string, limit, offset int) ([]*Doctor, int, error) {
	return s.repo.ListDoctors(ctx, strings.TrimSpace(specialization), limit, offset)
}
