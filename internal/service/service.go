// Package service реализует бизнес-логику сервиса валет-паркинга:
// жизненный цикл визитов, инициализацию платежей и сверку подтверждений шлюза.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/valet-system/internal/gateway"
	"github.com/mmeshcher/valet-system/internal/model"
	"github.com/mmeshcher/valet-system/internal/repository"
	"github.com/mmeshcher/valet-system/internal/validation"
)

// ErrValidation возвращается при некорректных входных данных.
var (
	ErrValidation = errors.New("validation error")
	// ErrForbidden возвращается, если сотрудник не владеет визитом и не имеет
	// повышенной роли.
	ErrForbidden = errors.New("forbidden")
	// ErrPackageExpired возвращается при операции над визитом с истёкшим абонементом.
	ErrPackageExpired = errors.New("package expired")
)

const defaultVATRateBP = 1500

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateVehicle(ctx context.Context, v *model.Vehicle) error
	GetVehicleByID(ctx context.Context, id uuid.UUID) (*model.Vehicle, error)
	GetParkedVehicleByPlate(ctx context.Context, plate string) (*model.Vehicle, error)
	GetVehicleByPaymentRef(ctx context.Context, txRef string) (*model.Vehicle, error)
	ListVehiclesByValet(ctx context.Context, valetID int64) ([]model.Vehicle, error)
	CheckoutVehicle(ctx context.Context, id uuid.UUID, p repository.CheckoutParams) (*model.Vehicle, error)
	MarkViolation(ctx context.Context, id uuid.UUID, by int64, notes string) (*model.Vehicle, error)
	UpdateVehicleFields(ctx context.Context, id uuid.UUID, u repository.VehicleFieldUpdates) (*model.Vehicle, error)
	DeleteVehicle(ctx context.Context, id uuid.UUID) error
	CreatePendingPayment(ctx context.Context, p *model.PendingPackagePayment) error
	GetPendingPayment(ctx context.Context, txRef string) (*model.PendingPackagePayment, error)
	DeletePendingPayment(ctx context.Context, txRef string) error
	DeleteExpiredPending(ctx context.Context, before time.Time) (int64, error)
	MaterializePackageVehicle(ctx context.Context, txRef string, build func(model.PendingPackagePayment) (*model.Vehicle, error)) (*model.Vehicle, error)
	GetPricingSettings(ctx context.Context) (*model.PricingSettings, error)
	SavePricingSettings(ctx context.Context, s *model.PricingSettings) error
}

// Gateway описывает контракт платёжного шлюза.
type Gateway interface {
	Initialize(ctx context.Context, in gateway.InitializeRequest) (string, error)
	Verify(ctx context.Context, txRef string) (gateway.VerifyResult, error)
}

// Notifier доставляет SMS-уведомления владельцам автомобилей.
// Реализация доставки — внешняя подсистема.
type Notifier interface {
	Notify(ctx context.Context, phone, message string) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string) error { return nil }

// Options содержит параметры сервиса.
type Options struct {
	// CallbackBaseURL — внешний адрес сервиса для callback/return ссылок шлюза.
	CallbackBaseURL string
	// Currency — валюта платежей.
	Currency string
	// PendingTTL — срок жизни невостребованных отложенных платежей;
	// ноль отключает фоновую очистку.
	PendingTTL time.Duration
}

// Service содержит бизнес-логику сервиса валет-паркинга.
type Service struct {
	repo     Repository
	gw       Gateway
	notifier Notifier
	logger   *zap.Logger
	opts     Options
}

// NewService создаёт новый сервис с указанным репозиторием, клиентом шлюза
// и отправителем уведомлений.
func NewService(repo Repository, gw Gateway, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Currency == "" {
		opts.Currency = "ETB"
	}
	return &Service{
		repo:     repo,
		gw:       gw,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) authorize(actor model.Staff, v *model.Vehicle) error {
	if actor.Role.Elevated() || actor.ID == v.ValetID {
		return nil
	}
	return ErrForbidden
}

// RegisterVehicleInput содержит параметры регистрации визита.
type RegisterVehicleInput struct {
	PlateCode   string
	PlateRegion string
	PlateNumber string
	VehicleType string
	Model       string
	Color       string
	OwnerPhone  string
	Zone        string
	Notes       string
	ServiceType string
	// PackageDuration обязателен при ServiceType = package.
	PackageDuration string
	// AmountCents и PaymentMethod заполняются при оплате на месте.
	AmountCents   int64
	PaymentMethod string
}

// RegisterVehicle регистрирует новый визит со статусом parked. Для абонемента,
// оплаченного на месте, окно подписки вычисляется сразу.
func (s *Service) RegisterVehicle(ctx context.Context, actor model.Staff, in RegisterVehicleInput) (*model.Vehicle, error) {
	plate, err := validation.NormalizePlate(in.PlateCode, in.PlateRegion, in.PlateNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	vt, ok := validation.ParseVehicleType(in.VehicleType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown vehicle type %q", ErrValidation, in.VehicleType)
	}

	st := model.ServiceTypeHourly
	if in.ServiceType != "" {
		st, ok = validation.ParseServiceType(in.ServiceType)
		if !ok {
			return nil, fmt.Errorf("%w: unknown service type %q", ErrValidation, in.ServiceType)
		}
	}

	// Ранний отказ по занятому номеру; гонку закрывает частичный уникальный
	// индекс при вставке.
	if _, err := s.repo.GetParkedVehicleByPlate(ctx, plate); err == nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrDuplicatePlate, plate)
	} else if !errors.Is(err, repository.ErrVehicleNotFound) {
		return nil, err
	}

	now := time.Now()
	v := &model.Vehicle{
		ID:          uuid.New(),
		Plate:       plate,
		PlateCode:   strings.ToUpper(strings.TrimSpace(in.PlateCode)),
		PlateRegion: strings.ToUpper(strings.TrimSpace(in.PlateRegion)),
		PlateNumber: strings.ToUpper(strings.TrimSpace(in.PlateNumber)),
		Type:        vt,
		Model:       in.Model,
		Color:       in.Color,
		OwnerPhone:  in.OwnerPhone,
		Zone:        in.Zone,
		Notes:       in.Notes,
		Status:      model.VehicleStatusParked,
		ServiceType: st,
		ValetID:     actor.ID,
		ParkedAt:    now,
	}

	if st == model.ServiceTypePackage {
		d, ok := validation.ParsePackageDuration(in.PackageDuration)
		if !ok {
			return nil, fmt.Errorf("%w: unknown package duration %q", ErrValidation, in.PackageDuration)
		}
		start, end := packageWindow(now, d)
		subID := uuid.New()
		v.SubscriptionID = &subID
		v.PackageDuration = d
		v.PackageStartsAt = &start
		v.PackageEndsAt = &end
	}

	if in.AmountCents > 0 {
		method := model.PaymentMethodManual
		if in.PaymentMethod != "" {
			if model.PaymentMethod(in.PaymentMethod) != model.PaymentMethodManual {
				return nil, fmt.Errorf("%w: registration accepts manual payment only", ErrValidation)
			}
		}
		base, vat, rate := s.vatBreakdown(ctx, in.AmountCents)
		v.PaymentMethod = method
		v.AmountCents = in.AmountCents
		v.VATBaseCents = base
		v.VATCents = vat
		v.VATRateBP = rate
	}

	if err := s.repo.CreateVehicle(ctx, v); err != nil {
		return nil, err
	}

	return v, nil
}

// GetVehicle возвращает визит по идентификатору.
func (s *Service) GetVehicle(ctx context.Context, id uuid.UUID) (*model.Vehicle, error) {
	return s.repo.GetVehicleByID(ctx, id)
}

// VehiclesForValet возвращает визиты, созданные сотрудником.
func (s *Service) VehiclesForValet(ctx context.Context, actor model.Staff) ([]model.Vehicle, error) {
	return s.repo.ListVehiclesByValet(ctx, actor.ID)
}

// CheckoutInput содержит параметры ручного завершения визита.
type CheckoutInput struct {
	AmountCents   int64
	PaymentMethod string
}

// CheckoutVehicle завершает визит вручную. Для абонемента завершение допускается
// только до окончания подписки; завершается текущий визит, подписка остаётся
// действующей.
func (s *Service) CheckoutVehicle(ctx context.Context, actor model.Staff, id uuid.UUID, in CheckoutInput) (*model.Vehicle, error) {
	v, err := s.repo.GetVehicleByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.authorize(actor, v); err != nil {
		return nil, err
	}

	if v.Status != model.VehicleStatusParked {
		return nil, repository.ErrNotParked
	}

	if v.ServiceType == model.ServiceTypePackage && !v.PackageActive(time.Now()) {
		return nil, ErrPackageExpired
	}

	method := model.PaymentMethod("")
	if in.PaymentMethod != "" {
		switch m := model.PaymentMethod(in.PaymentMethod); m {
		case model.PaymentMethodManual, model.PaymentMethodOnline:
			method = m
		default:
			return nil, fmt.Errorf("%w: unknown payment method %q", ErrValidation, in.PaymentMethod)
		}
	}

	params := repository.CheckoutParams{
		By:     actor.ID,
		Method: method,
	}
	if in.AmountCents > 0 {
		base, vat, rate := s.vatBreakdown(ctx, in.AmountCents)
		params.AmountCents = in.AmountCents
		params.VATBaseCents = base
		params.VATCents = vat
		params.VATRateBP = rate
	}

	return s.repo.CheckoutVehicle(ctx, id, params)
}

// ReparkVehicle создаёт новое посещение в рамках действующего абонемента.
// Существующая запись не изменяется; владелец получает уведомление
// об остатке дней подписки.
func (s *Service) ReparkVehicle(ctx context.Context, actor model.Staff, id uuid.UUID) (*model.Vehicle, error) {
	v, err := s.repo.GetVehicleByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.authorize(actor, v); err != nil {
		return nil, err
	}

	if v.ServiceType != model.ServiceTypePackage || v.SubscriptionID == nil {
		return nil, fmt.Errorf("%w: repark is available for package visits only", ErrValidation)
	}
	if v.Status == model.VehicleStatusViolation {
		return nil, repository.ErrNotParked
	}

	now := time.Now()
	if !v.PackageActive(now) {
		return nil, ErrPackageExpired
	}

	visit := &model.Vehicle{
		ID:          uuid.New(),
		Plate:       v.Plate,
		PlateCode:   v.PlateCode,
		PlateRegion: v.PlateRegion,
		PlateNumber: v.PlateNumber,
		Type:        v.Type,
		Model:       v.Model,
		Color:       v.Color,
		OwnerPhone:  v.OwnerPhone,
		Zone:        v.Zone,
		Status:      model.VehicleStatusParked,
		ServiceType: model.ServiceTypePackage,

		SubscriptionID:  v.SubscriptionID,
		PackageDuration: v.PackageDuration,
		PackageStartsAt: v.PackageStartsAt,
		PackageEndsAt:   v.PackageEndsAt,

		PaymentMethod: v.PaymentMethod,
		PaymentRef:    v.PaymentRef,
		AmountCents:   v.AmountCents,
		VATBaseCents:  v.VATBaseCents,
		VATCents:      v.VATCents,
		VATRateBP:     v.VATRateBP,

		ValetID:  actor.ID,
		ParkedAt: now,
	}

	if err := s.repo.CreateVehicle(ctx, visit); err != nil {
		return nil, err
	}

	if visit.OwnerPhone != "" {
		days := remainingDays(now, *v.PackageEndsAt)
		msg := fmt.Sprintf("Vehicle %s parked. Package days remaining: %d.", visit.Plate, days)
		if err := s.notifier.Notify(ctx, visit.OwnerPhone, msg); err != nil {
			s.logger.Warn("owner notification failed",
				zap.String("plate", visit.Plate), zap.Error(err))
		}
	}

	return visit, nil
}

// MarkViolation помечает визит нарушением.
func (s *Service) MarkViolation(ctx context.Context, actor model.Staff, id uuid.UUID, notes string) (*model.Vehicle, error) {
	v, err := s.repo.GetVehicleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, v); err != nil {
		return nil, err
	}
	return s.repo.MarkViolation(ctx, id, actor.ID, notes)
}

// UpdateVehicleInput перечисляет изменяемые описательные поля визита.
type UpdateVehicleInput struct {
	Model      *string
	Color      *string
	OwnerPhone *string
	Zone       *string
	Notes      *string
}

// UpdateVehicle изменяет описательные поля незавершённого визита.
func (s *Service) UpdateVehicle(ctx context.Context, actor model.Staff, id uuid.UUID, in UpdateVehicleInput) (*model.Vehicle, error) {
	v, err := s.repo.GetVehicleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, v); err != nil {
		return nil, err
	}
	return s.repo.UpdateVehicleFields(ctx, id, repository.VehicleFieldUpdates{
		Model:      in.Model,
		Color:      in.Color,
		OwnerPhone: in.OwnerPhone,
		Zone:       in.Zone,
		Notes:      in.Notes,
	})
}

// DeleteVehicle удаляет незавершённый визит.
func (s *Service) DeleteVehicle(ctx context.Context, actor model.Staff, id uuid.UUID) error {
	v, err := s.repo.GetVehicleByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(actor, v); err != nil {
		return err
	}
	return s.repo.DeleteVehicle(ctx, id)
}

// vatBreakdown раскладывает сумму-брутто на базу и НДС по действующей ставке.
func (s *Service) vatBreakdown(ctx context.Context, gross int64) (base, vat, rateBP int64) {
	rateBP = defaultVATRateBP
	if settings, err := s.repo.GetPricingSettings(ctx); err == nil && settings.VATRateBP > 0 {
		rateBP = settings.VATRateBP
	}

	base = gross * 10000 / (10000 + rateBP)
	vat = gross - base
	return base, vat, rateBP
}

// packageWindow вычисляет окно подписки: точная календарная арифметика
// для месяца и года.
func packageWindow(now time.Time, d model.PackageDuration) (start, end time.Time) {
	start = now
	switch d {
	case model.PackageDurationWeekly:
		end = now.AddDate(0, 0, 7)
	case model.PackageDurationMonthly:
		end = now.AddDate(0, 1, 0)
	case model.PackageDurationYearly:
		end = now.AddDate(1, 0, 0)
	}
	return start, end
}

func remainingDays(now, end time.Time) int {
	if end.Before(now) {
		return 0
	}
	d := int(end.Sub(now).Hours() / 24)
	if end.Sub(now)%(24*time.Hour) > 0 {
		d++
	}
	return d
}

// EnsureDefaultPricing создаёт тарифные настройки по умолчанию, если их нет.
func (s *Service) EnsureDefaultPricing(ctx context.Context) error {
	_, err := s.repo.GetPricingSettings(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrSettingsNotFound) {
		return err
	}

	defaults := &model.PricingSettings{
		HourlyRates: map[model.VehicleType]int64{
			model.VehicleTypeMotorcycle: 2000,
			model.VehicleTypeBajaj:      3000,
			model.VehicleTypeAutomobile: 5000,
			model.VehicleTypeTruck:      8000,
			model.VehicleTypeTrailer:    10000,
		},
		PackagePrices: map[model.VehicleType]map[model.PackageDuration]int64{
			model.VehicleTypeAutomobile: {
				model.PackageDurationWeekly:  20000,
				model.PackageDurationMonthly: 50000,
				model.PackageDurationYearly:  480000,
			},
		},
		VATRateBP: defaultVATRateBP,
	}
	return s.repo.SavePricingSettings(ctx, defaults)
}

// StartPendingSweeper запускает фоновую очистку невостребованных отложенных
// платежей старше PendingTTL.
func (s *Service) StartPendingSweeper(ctx context.Context) {
	if s.opts.PendingTTL <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.repo.DeleteExpiredPending(ctx, time.Now().Add(-s.opts.PendingTTL))
				if err != nil {
					s.logger.Warn("pending sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("expired pending payments removed", zap.Int64("count", n))
				}
			}
		}
	}()
}
