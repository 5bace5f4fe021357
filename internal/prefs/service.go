package prefs

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/boleia/backend/internal/payments"
)

var (
	ErrCardNotFound  = errors.New("card not found")
	ErrUnknownMethod = errors.New("unknown payment method")
)

const maxCards = 5

type Service struct {
	store   Store
	methods []payments.Method
	now     func() time.Time
}

// NewService accepts only the given methods as defaults.
func NewService(store Store, methods []payments.Method) *Service {
	return &Service{store: store, methods: methods, now: time.Now}
}

func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	return s.store.Load(ctx, userID)
}

func (s *Service) SetDefaultMethod(ctx context.Context, userID uuid.UUID, method payments.Method) (*Preferences, error) {
	if !slices.Contains(s.methods, method) {
		return nil, ErrUnknownMethod
	}
	return s.store.Update(ctx, userID, func(p *Preferences) error {
		p.DefaultMethod = method
		return nil
	})
}

// RememberCard stores brand, last four digits, expiry and holder of a card
// that was just charged. The same card is stored once; the newest card goes
// first and the oldest beyond the limit is dropped.
func (s *Service) RememberCard(ctx context.Context, userID uuid.UUID, in payments.Instrument) (*Card, error) {
	card := Card{
		ID:      ulid.Make().String(),
		Brand:   payments.CardBrand(in.CardNumber),
		Last4:   payments.CardLast4(in.CardNumber),
		Expiry:  strings.TrimSpace(in.Expiry),
		Holder:  strings.TrimSpace(in.Holder),
		Token:   in.CardToken,
		AddedAt: s.now().UTC(),
	}
	_, err := s.store.Update(ctx, userID, func(p *Preferences) error {
		kept := p.Cards[:0]
		for _, c := range p.Cards {
			if c.Brand == card.Brand && c.Last4 == card.Last4 && c.Expiry == card.Expiry {
				continue
			}
			kept = append(kept, c)
		}
		p.Cards = append([]Card{card}, kept...)
		if len(p.Cards) > maxCards {
			p.Cards = p.Cards[:maxCards]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &card, nil
}

func (s *Service) ForgetCard(ctx context.Context, userID uuid.UUID, cardID string) (*Preferences, error) {
	return s.store.Update(ctx, userID, func(p *Preferences) error {
		i := slices.IndexFunc(p.Cards, func(c Card) bool { return c.ID == cardID })
		if i < 0 {
			return ErrCardNotFound
		}
		p.Cards = slices.Delete(p.Cards, i, i+1)
		return nil
	})
}
