package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/document"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/events"
	"orderflow/backend/internal/metrics"
	"orderflow/backend/internal/notify"
	"orderflow/backend/internal/payment"
	"orderflow/backend/internal/policy"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Deps are the optional collaborators of the service. Nil members fall back
// to inert implementations.
type Deps struct {
	Logger        *zap.Logger
	Policy        *policy.Engine
	Notifier      notify.Notifier
	Documents     document.Generator
	Payments      payment.Gateway
	Events        events.Publisher
	Metrics       *metrics.Workflow
	Now           func() time.Time
	NotifyTimeout time.Duration
}

type Service struct {
	repo          store.Repository
	policy        *policy.Engine
	notifier      notify.Notifier
	documents     document.Generator
	payments      payment.Gateway
	events        events.Publisher
	metrics       *metrics.Workflow
	logger        *zap.Logger
	now           func() time.Time
	notifyTimeout time.Duration

	background sync.WaitGroup
}

func New(repo store.Repository, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	engine := deps.Policy
	if engine == nil {
		engine = policy.NewEngine(repo, logger, policy.WithClock(now))
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	timeout := deps.NotifyTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Service{
		repo:          repo,
		policy:        engine,
		notifier:      notifier,
		documents:     deps.Documents,
		payments:      deps.Payments,
		events:        publisher,
		metrics:       deps.Metrics,
		logger:        logger.Named("service"),
		now:           now,
		notifyTimeout: timeout,
	}
}

// Drain waits for detached notifications and event publishes to finish.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, apperr.New(apperr.CodeUnauthorized, "authentication required")
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if !actor.IsAdmin() {
		return domain.Actor{}, apperr.New(apperr.CodeForbidden, "admin role required")
	}
	return actor, nil
}

// storeErr maps repository sentinels onto the caller-facing taxonomy. Anything
// unrecognised is logged with op and returned as an internal error.
func (s *Service) storeErr(op string, entity string, err error, fields ...zap.Field) error {
	var coded *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &coded):
		return err
	case errors.Is(err, store.ErrSerialization):
		s.logger.Warn(op+" aborted by concurrent update", append(fields, zap.Error(err))...)
		return apperr.Transient(err)
	case errors.Is(err, store.ErrNotFound):
		return apperr.New(apperr.CodeNotFound, "%s not found", entity)
	case errors.Is(err, store.ErrConflict):
		return apperr.New(apperr.CodeConflict, "%s was changed by another request", entity)
	case errors.Is(err, store.ErrQuantityExceeded):
		return apperr.New(apperr.CodeValidation, "requested quantity exceeds purchased quantity")
	}
	s.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	return apperr.Internal(err)
}

func (s *Service) observe(workflow string, action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.CodeOf(err))
	}
	s.metrics.Observe(workflow, action, outcome)
}

func (s *Service) audit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{UserID: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

// detach runs fn after the request returns, bounded by the notify timeout.
func (s *Service) detach(op string, fn func(ctx context.Context) error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("background task failed", zap.String("op", op), zap.Error(err))
		}
	}()
}

func (s *Service) publish(event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	s.detach("publish "+event.Type, func(ctx context.Context) error {
		return s.events.Publish(ctx, event)
	})
}

// notifyUser emails userID. When refund is set a refund document is rendered
// and attached; a rendering failure still sends the message without it.
func (s *Service) notifyUser(op string, userID string, subject string, body string, refund *document.Refund) {
	s.detach(op, func(ctx context.Context) error {
		user, err := s.repo.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("load user %s: %w", userID, err)
		}
		msg := notify.Message{To: user.Email, Subject: subject, HTMLBody: body}

		if refund != nil && s.documents != nil {
			doc := *refund
			doc.CustomerName = user.Name
			doc.CustomerEmail = user.Email
			generated, err := s.documents.Generate(ctx, doc)
			if err != nil {
				s.logger.Warn("refund document generation failed", zap.String("reference", doc.Reference), zap.Error(err))
			} else {
				msg.Attachments = append(msg.Attachments, notify.Attachment{
					Name:        generated.Name,
					ContentType: generated.ContentType,
					Data:        generated.Data,
				})
			}
		}
		return s.notifier.Send(ctx, msg)
	})
}
