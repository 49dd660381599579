package billing

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"sbc-router/internal/calls"
)

type failingRepo struct{ err error }

func (f failingRepo) Insert(ctx context.Context, rec calls.CDR) (bool, error) { return false, f.err }

func TestService_WriteExactlyOnce(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	rec := calls.CDR{CallID: "c1", EndedAt: time.Unix(1700000000, 0).UTC()}

	if err := svc.Write(context.Background(), rec); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.Write(context.Background(), rec); !errors.Is(err, ErrAlreadyWritten) {
		t.Fatalf("expected ErrAlreadyWritten, got %v", err)
	}
	if n := len(repo.Records()); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}

func TestService_RejectsUnfinalizedRecords(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	if err := svc.Write(context.Background(), calls.CDR{CallID: "c1"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if err := svc.Write(context.Background(), calls.CDR{EndedAt: time.Now()}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestService_WrapsRepositoryErrors(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(failingRepo{err: boom})
	err := svc.Write(context.Background(), calls.CDR{CallID: "c1", EndedAt: time.Now()})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped repository error, got %v", err)
	}
}

func TestNewPostgresRepo_ValidatesTable(t *testing.T) {
	if _, err := NewPostgresRepo((*sql.DB)(nil), "cdr; drop"); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
	if _, err := NewPostgresRepo((*sql.DB)(nil), "cdr.cdrs"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}
