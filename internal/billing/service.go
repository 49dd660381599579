package billing

import (
	"context"
	"errors"
	"fmt"

	"sbc-router/internal/calls"
)

// Repository persists billing records.
//
// Insert must be idempotent per call id: a second insert of the same call
// reports inserted=false and changes nothing.
type Repository interface {
	Insert(ctx context.Context, rec calls.CDR) (inserted bool, err error)
}

var (
	ErrInvalidRecord  = errors.New("billing: invalid record")
	ErrAlreadyWritten = errors.New("billing: record already written")
)

// Service is the billing sink of call contexts.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Write stores the finalized record of a call attempt. A record is stored at
// most once; writing it again returns ErrAlreadyWritten.
func (s *Service) Write(ctx context.Context, rec calls.CDR) error {
	if s.repo == nil {
		return errors.New("billing: repository not configured")
	}
	if rec.CallID == "" || rec.EndedAt.IsZero() {
		return ErrInvalidRecord
	}
	inserted, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("billing: insert %s: %w", rec.CallID, err)
	}
	if !inserted {
		return ErrAlreadyWritten
	}
	return nil
}
