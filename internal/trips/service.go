// Package trips runs the trip lifecycle and settles commission and wallet
// payments when a trip completes.
package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/metrics"
	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/realtime"
)

var (
	ErrTripNotFound       = errors.New("trip not found")
	ErrTransitionConflict = errors.New("trip is not in a state that allows this action")
	ErrForbidden          = errors.New("not a participant of this trip")
	ErrInsufficientFunds  = errors.New("insufficient wallet balance")
	ErrUnknownAction      = errors.New("unknown trip action")
	ErrUnknownPeriod      = errors.New("unknown earnings period")
	ErrInvalidTrip        = errors.New("invalid trip request")
)

type Earnings struct {
	Since      time.Time       `json:"since"`
	Trips      int             `json:"trips"`
	Gross      decimal.Decimal `json:"gross"`
	Commission decimal.Decimal `json:"commission"`
	Net        decimal.Decimal `json:"net"`
}

type Repo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id uuid.UUID) (*models.Trip, error)
	ListForUser(ctx context.Context, userID uuid.UUID, role models.Role, limit int) ([]*models.Trip, error)
	ListOpen(ctx context.Context, limit int) ([]*models.Trip, error)
	Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []string, to string, driverID *uuid.UUID) (*models.Trip, error)
	Earnings(ctx context.Context, driverID uuid.UUID, since time.Time) (*Earnings, error)
}

// Ledger is the transaction-scoped half of *ledger.Repository.
type Ledger interface {
	IncrementTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, role models.Role, delta decimal.Decimal) (decimal.Decimal, error)
	AppendTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
}

// Wallets opens wallets before settlement touches them.
type Wallets interface {
	GetBalance(ctx context.Context, userID uuid.UUID, role models.Role) (*models.Wallet, error)
}

// Action is a step a participant asks for.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionArrive   Action = "arrive"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

type step struct {
	from []string
	to   string
}

var steps = map[Action]step{
	ActionAccept:   {from: []string{models.TripStatusRequesting}, to: models.TripStatusAccepted},
	ActionArrive:   {from: []string{models.TripStatusAccepted}, to: models.TripStatusArrived},
	ActionStart:    {from: []string{models.TripStatusArrived}, to: models.TripStatusInProgress},
	ActionComplete: {from: []string{models.TripStatusInProgress}, to: models.TripStatusCompleted},
	ActionCancel: {from: []string{
		models.TripStatusRequesting, models.TripStatusAccepted, models.TripStatusArrived, models.TripStatusInProgress,
	}, to: models.TripStatusCancelled},
}

type CreateParams struct {
	PassengerID   uuid.UUID
	Pickup        string
	Dropoff       string
	Price         decimal.Decimal
	PaymentMethod string
}

type Service struct {
	repo           Repo
	ledger         Ledger
	wallets        Wallets
	publisher      realtime.Publisher
	commissionRate decimal.Decimal
	log            *slog.Logger
}

func NewService(repo Repo, l Ledger, wallets Wallets, commissionRate decimal.Decimal, publisher realtime.Publisher, log *slog.Logger) *Service {
	if publisher == nil {
		publisher = realtime.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, ledger: l, wallets: wallets, publisher: publisher, commissionRate: commissionRate, log: log}
}

func (s *Service) Request(ctx context.Context, p CreateParams) (*models.Trip, error) {
	p.Pickup, p.Dropoff = strings.TrimSpace(p.Pickup), strings.TrimSpace(p.Dropoff)
	if p.Pickup == "" || p.Dropoff == "" {
		return nil, fmt.Errorf("%w: pickup and dropoff are required", ErrInvalidTrip)
	}
	if !p.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be greater than zero", ErrInvalidTrip)
	}
	if p.PaymentMethod == "" {
		p.PaymentMethod = models.TripPaymentCash
	}
	if p.PaymentMethod != models.TripPaymentCash && p.PaymentMethod != models.TripPaymentWallet {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidTrip, p.PaymentMethod)
	}
	if p.PaymentMethod == models.TripPaymentWallet {
		w, err := s.wallets.GetBalance(ctx, p.PassengerID, models.RolePassenger)
		if err != nil {
			return nil, err
		}
		if w.Balance.LessThan(p.Price) {
			return nil, ErrInsufficientFunds
		}
	}
	t := &models.Trip{
		ID:            uuid.New(),
		PassengerID:   p.PassengerID,
		Pickup:        p.Pickup,
		Dropoff:       p.Dropoff,
		Price:         p.Price.Round(2),
		PaymentMethod: p.PaymentMethod,
		Status:        models.TripStatusRequesting,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	metrics.TripTransitions.WithLabelValues(models.TripStatusRequesting).Inc()
	return t, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, role models.Role) ([]*models.Trip, error) {
	return s.repo.ListForUser(ctx, userID, role, 50)
}

func (s *Service) ListOpen(ctx context.Context) ([]*models.Trip, error) {
	return s.repo.ListOpen(ctx, 50)
}

// Apply performs action on behalf of userID acting as role.
func (s *Service) Apply(ctx context.Context, tripID, userID uuid.UUID, role models.Role, action Action) (*models.Trip, error) {
	st, ok := steps[action]
	if !ok {
		return nil, ErrUnknownAction
	}
	current, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if err := authorize(current, userID, role, action); err != nil {
		return nil, err
	}

	var driverID *uuid.UUID
	if action == ActionAccept {
		driverID = &userID
		if _, err := s.wallets.GetBalance(ctx, userID, models.RoleDriver); err != nil {
			return nil, err
		}
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	trip, err := s.repo.Transition(ctx, tx, tripID, st.from, st.to, driverID)
	if err != nil {
		return nil, err
	}
	var driverBalance *decimal.Decimal
	if action == ActionComplete {
		bal, err := s.settle(ctx, tx, trip)
		if err != nil {
			return nil, fmt.Errorf("settle trip %s: %w", trip.ID, err)
		}
		driverBalance = &bal
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.TripTransitions.WithLabelValues(trip.Status).Inc()
	s.log.Info("trip transition", "trip_id", trip.ID, "action", action, "status", trip.Status, "user_id", userID)
	s.notify(ctx, trip, driverBalance)
	return trip, nil
}

func authorize(t *models.Trip, userID uuid.UUID, role models.Role, action Action) error {
	switch action {
	case ActionAccept:
		if role != models.RoleDriver || userID == t.PassengerID {
			return ErrForbidden
		}
	case ActionCancel:
		isPassenger := role == models.RolePassenger && userID == t.PassengerID
		isDriver := role == models.RoleDriver && t.DriverID != nil && *t.DriverID == userID
		if !isPassenger && !isDriver {
			return ErrForbidden
		}
	default:
		if role != models.RoleDriver || t.DriverID == nil || *t.DriverID != userID {
			return ErrForbidden
		}
	}
	return nil
}

// Commission returns the platform's share of price.
func (s *Service) Commission(price decimal.Decimal) decimal.Decimal {
	return price.Mul(s.commissionRate).Round(2)
}

// settle debits the commission from the driver and, for wallet trips, moves
// the fare from passenger to driver. Every balance change and its audit row
// share the caller's transaction. Returns the driver's new balance.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, t *models.Trip) (decimal.Decimal, error) {
	if t.DriverID == nil {
		return decimal.Zero, errors.New("completed trip has no driver")
	}
	driver := *t.DriverID
	ref := t.ID.String()
	commission := s.Commission(t.Price)
	ratePct := s.commissionRate.Mul(decimal.NewFromInt(100)).String()

	balance, err := s.ledger.IncrementTx(ctx, tx, driver, models.RoleDriver, commission.Neg())
	if err != nil {
		return decimal.Zero, err
	}
	err = s.ledger.AppendTransactionTx(ctx, tx, &models.Transaction{
		ID:          uuid.NewSHA1(t.ID, []byte("commission")),
		UserID:      driver,
		Role:        models.RoleDriver,
		Amount:      commission.Neg(),
		Type:        models.TxCommissionDeduction,
		Description: fmt.Sprintf("Commission %s%% on trip %s", ratePct, t.ID),
		Status:      models.TxStatusCompleted,
		Reference:   ref,
	})
	if err != nil {
		return decimal.Zero, err
	}

	if t.PaymentMethod != models.TripPaymentWallet {
		return balance, nil
	}

	if _, err := s.ledger.IncrementTx(ctx, tx, t.PassengerID, models.RolePassenger, t.Price.Neg()); err != nil {
		return decimal.Zero, err
	}
	err = s.ledger.AppendTransactionTx(ctx, tx, &models.Transaction{
		ID:          uuid.NewSHA1(t.ID, []byte("fare-debit")),
		UserID:      t.PassengerID,
		Role:        models.RolePassenger,
		Amount:      t.Price.Neg(),
		Type:        models.TxTripPayment,
		Description: fmt.Sprintf("Trip %s to %s", t.Pickup, t.Dropoff),
		Status:      models.TxStatusCompleted,
		Reference:   ref,
	})
	if err != nil {
		return decimal.Zero, err
	}
	balance, err = s.ledger.IncrementTx(ctx, tx, driver, models.RoleDriver, t.Price)
	if err != nil {
		return decimal.Zero, err
	}
	err = s.ledger.AppendTransactionTx(ctx, tx, &models.Transaction{
		ID:          uuid.NewSHA1(t.ID, []byte("fare-credit")),
		UserID:      driver,
		Role:        models.RoleDriver,
		Amount:      t.Price,
		Type:        models.TxTripPayment,
		Description: fmt.Sprintf("Wallet fare for trip %s", t.ID),
		Status:      models.TxStatusCompleted,
		Reference:   ref,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (s *Service) notify(ctx context.Context, t *models.Trip, driverBalance *decimal.Decimal) {
	now := time.Now().UTC()
	users := []uuid.UUID{t.PassengerID}
	if t.DriverID != nil {
		users = append(users, *t.DriverID)
	}
	for _, u := range users {
		e := realtime.Event{Type: realtime.EventTripUpdated, UserID: u, TripID: &t.ID, TripStatus: t.Status, At: now}
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.log.Warn("trip event not published", "trip_id", t.ID, "error", err)
		}
	}
	if driverBalance != nil {
		e := realtime.Event{Type: realtime.EventWalletUpdated, UserID: *t.DriverID, Role: models.RoleDriver, Balance: driverBalance, At: now}
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.log.Warn("wallet event not published", "trip_id", t.ID, "error", err)
		}
	}
}

// Period names accepted by Earnings.
const (
	PeriodToday = "today"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// PeriodStart returns the UTC start of the named period containing now.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case "", PeriodToday:
		return day, nil
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7 // weeks start on Monday
		return day.AddDate(0, 0, -offset), nil
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPeriod, period)
}

func (s *Service) Earnings(ctx context.Context, driverID uuid.UUID, period string) (*Earnings, error) {
	since, err := PeriodStart(period, time.Now())
	if err != nil {
		return nil, err
	}
	return s.repo.Earnings(ctx, driverID, since)
}
