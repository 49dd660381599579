package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs operator actions.
//
// IMPORTANT:
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.ActorID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogInvalidateAll records that an operator dropped every reservation held
// by this node.
func (s *Service) LogInvalidateAll(ctx context.Context, actorID, actorRole string, handles int) error {
	meta, _ := json.Marshal(map[string]int{"handles": handles})
	return s.Append(ctx, Event{
		Type:      EventTypeInvalidateAll,
		ActorID:   actorID,
		ActorRole: actorRole,
		Message:   "all resource reservations invalidated",
		Metadata:  string(meta),
	})
}

// LogInvalidateHandle records that an operator released a single handle.
// ownerTag is the local tag of the call leg that held the handle.
func (s *Service) LogInvalidateHandle(ctx context.Context, actorID, actorRole, handleID, ownerTag, resources string) error {
	meta, _ := json.Marshal(map[string]string{"resources": resources})
	return s.Append(ctx, Event{
		Type:      EventTypeInvalidateHandle,
		ActorID:   actorID,
		ActorRole: actorRole,
		HandleID:  handleID,
		OwnerTag:  ownerTag,
		Message:   "resource handle invalidated",
		Metadata:  string(meta),
	})
}
