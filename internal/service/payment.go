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

// txRefPrefix — префикс генерируемых референсов транзакций.
const txRefPrefix = "tana-"

func newTxRef() string {
	return txRefPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ErrGatewayDisabled возвращается платёжными операциями, когда адрес шлюза
// не задан в конфигурации.
var ErrGatewayDisabled = errors.New("payment gateway is not configured")

// PaymentIntent содержит результат инициализации платежа.
type PaymentIntent struct {
	CheckoutURL string
	TxRef       string
}

// DirectPaymentInput содержит параметры онлайн-оплаты существующего визита.
type DirectPaymentInput struct {
	VehicleID   uuid.UUID
	AmountCents int64
	Name        string
	Email       string
	Phone       string
}

// InitializeDirectPayment инициализирует онлайн-оплату запаркованного визита.
// Идентификатор визита передаётся шлюзу в метаданных и служит основным каналом
// привязки подтверждения к записи.
func (s *Service) InitializeDirectPayment(ctx context.Context, actor model.Staff, in DirectPaymentInput) (*PaymentIntent, error) {
	if s.gw == nil {
		return nil, ErrGatewayDisabled
	}
	if in.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	v, err := s.repo.GetVehicleByID(ctx, in.VehicleID)
	if err != nil {
		return nil, err
	}
	if v.Status != model.VehicleStatusParked {
		return nil, repository.ErrNotParked
	}

	txRef := newTxRef()
	checkoutURL, err := s.gw.Initialize(ctx, gateway.InitializeRequest{
		AmountCents: in.AmountCents,
		Currency:    s.opts.Currency,
		FirstName:   in.Name,
		Email:       in.Email,
		Phone:       in.Phone,
		TxRef:       txRef,
		CallbackURL: s.opts.CallbackBaseURL + "/api/payments/callback",
		ReturnURL:   s.opts.CallbackBaseURL + "/api/payments/return?tx_ref=" + txRef,
		Meta: map[string]string{
			"vehicle_id": v.ID.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize payment: %w", err)
	}

	return &PaymentIntent{CheckoutURL: checkoutURL, TxRef: txRef}, nil
}

// PackagePaymentInput содержит параметры покупки абонемента до создания
// записи автомобиля.
type PackagePaymentInput struct {
	AmountCents     int64
	PackageDuration string
	PlateCode       string
	PlateRegion     string
	PlateNumber     string
	VehicleType     string
	Model           string
	Color           string
	OwnerPhone      string
	Zone            string
	Name            string
	Email           string
}

// InitializePackagePayment инициализирует оплату абонемента по схеме
// «сначала оплата»: данные автомобиля сохраняются отложенным платежом и
// материализуются только после подтверждения шлюза.
func (s *Service) InitializePackagePayment(ctx context.Context, actor model.Staff, in PackagePaymentInput) (*PaymentIntent, error) {
	if s.gw == nil {
		return nil, ErrGatewayDisabled
	}
	if in.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	d, ok := validation.ParsePackageDuration(in.PackageDuration)
	if !ok {
		return nil, fmt.Errorf("%w: unknown package duration %q", ErrValidation, in.PackageDuration)
	}

	vt, ok := validation.ParseVehicleType(in.VehicleType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown vehicle type %q", ErrValidation, in.VehicleType)
	}

	// Компоненты номера проверяются сейчас, чтобы материализация после оплаты
	// не могла упасть на валидации.
	if _, err := validation.NormalizePlate(in.PlateCode, in.PlateRegion, in.PlateNumber); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	txRef := newTxRef()
	pending := &model.PendingPackagePayment{
		TxRef:       txRef,
		Duration:    d,
		AmountCents: in.AmountCents,
		ValetID:     actor.ID,
		Zone:        in.Zone,
		PlateCode:   in.PlateCode,
		PlateRegion: in.PlateRegion,
		PlateNumber: in.PlateNumber,
		VehicleType: vt,
		Model:       in.Model,
		Color:       in.Color,
		OwnerPhone:  in.OwnerPhone,
		CreatedAt:   time.Now(),
	}

	if err := s.repo.CreatePendingPayment(ctx, pending); err != nil {
		return nil, err
	}

	checkoutURL, err := s.gw.Initialize(ctx, gateway.InitializeRequest{
		AmountCents: in.AmountCents,
		Currency:    s.opts.Currency,
		FirstName:   in.Name,
		Email:       in.Email,
		Phone:       in.OwnerPhone,
		TxRef:       txRef,
		CallbackURL: s.opts.CallbackBaseURL + "/api/payments/callback",
		ReturnURL:   s.opts.CallbackBaseURL + "/api/payments/return?tx_ref=" + txRef,
	})
	if err != nil {
		// Платёж не стартовал — отложенная запись больше не нужна.
		if delErr := s.repo.DeletePendingPayment(ctx, txRef); delErr != nil {
			s.logger.Warn("orphan pending cleanup failed",
				zap.String("tx_ref", txRef), zap.Error(delErr))
		}
		return nil, fmt.Errorf("initialize payment: %w", err)
	}

	return &PaymentIntent{CheckoutURL: checkoutURL, TxRef: txRef}, nil
}

// ReconcileOutcome описывает итог применения подтверждения платежа.
type ReconcileOutcome string

const (
	// OutcomePending — транзакция ещё не подтверждена, состояние не изменено.
	OutcomePending ReconcileOutcome = "pending"
	// OutcomeCheckedOut — визит завершён онлайн-оплатой.
	OutcomeCheckedOut ReconcileOutcome = "checked_out"
	// OutcomeMaterialized — создан визит-абонемент из отложенного платежа.
	OutcomeMaterialized ReconcileOutcome = "materialized"
	// OutcomeAlreadyApplied — эффект уже применён другим путём сверки.
	OutcomeAlreadyApplied ReconcileOutcome = "already_applied"
	// OutcomeUnresolved — транзакция подтверждена, но целевая запись не найдена.
	OutcomeUnresolved ReconcileOutcome = "unresolved"
)

// ReconcileResult содержит итог сверки и затронутый визит, если он есть.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	TxRef   string
	Vehicle *model.Vehicle
}

// VerifyPayment — точка входа опроса клиентом: всегда выполняет свежую
// верификацию на шлюзе и применяет результат. Единственная точка входа,
// которой разрешено возвращать ошибку вызывающему.
func (s *Service) VerifyPayment(ctx context.Context, txRef string) (*ReconcileResult, error) {
	if s.gw == nil {
		return nil, ErrGatewayDisabled
	}
	if txRef == "" {
		return nil, fmt.Errorf("%w: empty transaction reference", ErrValidation)
	}

	vr, err := s.gw.Verify(ctx, txRef)
	if err != nil {
		return nil, err
	}

	return s.reconcile(ctx, txRef, vr)
}

// ConfirmPayment — точка входа webhook и redirect: принимает референс и
// заявленный статус от шлюза. Заявленный успех перепроверяется верификацией,
// чтобы получить подтверждённую сумму и метаданные.
func (s *Service) ConfirmPayment(ctx context.Context, txRef, declaredStatus string) (*ReconcileResult, error) {
	if s.gw == nil {
		return nil, ErrGatewayDisabled
	}
	if txRef == "" {
		return nil, fmt.Errorf("%w: empty transaction reference", ErrValidation)
	}

	if gateway.MapStatus(declaredStatus) != gateway.StatusSuccessful {
		return &ReconcileResult{Outcome: OutcomePending, TxRef: txRef}, nil
	}

	vr, err := s.gw.Verify(ctx, txRef)
	if err != nil {
		return nil, err
	}

	return s.reconcile(ctx, txRef, vr)
}

// targetKind описывает способ, которым транзакция привязана к бизнес-записи.
type targetKind int

const (
	targetUnresolved targetKind = iota
	targetVehicleID
	targetPendingKey
)

type resolution struct {
	kind      targetKind
	vehicleID uuid.UUID
}

// resolveTarget определяет целевую запись транзакции упорядоченной стратегией:
// идентификатор визита из метаданных, затем отложенный платёж по референсу.
// Разбор самого референса как канал идентификации не используется: строка
// референса ненадёжна.
func (s *Service) resolveTarget(ctx context.Context, txRef string, meta map[string]string) resolution {
	if raw, ok := meta["vehicle_id"]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			return resolution{kind: targetVehicleID, vehicleID: id}
		}
		s.logger.Warn("malformed vehicle_id in gateway metadata",
			zap.String("tx_ref", txRef), zap.String("vehicle_id", raw))
	}

	if _, err := s.repo.GetPendingPayment(ctx, txRef); err == nil {
		return resolution{kind: targetPendingKey}
	}

	return resolution{kind: targetUnresolved}
}

// reconcile — общая процедура сверки для всех трёх точек входа. Мутация
// охраняется условными обновлениями хранилища, поэтому конкурирующие пути
// по одному референсу сходятся к ровно одному эффекту.
func (s *Service) reconcile(ctx context.Context, txRef string, vr gateway.VerifyResult) (*ReconcileResult, error) {
	if vr.Status != gateway.StatusSuccessful {
		return &ReconcileResult{Outcome: OutcomePending, TxRef: txRef}, nil
	}

	switch res := s.resolveTarget(ctx, txRef, vr.Meta); res.kind {
	case targetVehicleID:
		return s.completeDirectCheckout(ctx, txRef, res.vehicleID, vr.AmountCents)
	case targetPendingKey:
		return s.materializePackage(ctx, txRef, vr.AmountCents)
	default:
		// Повторная доставка после материализации: отложенного платежа уже
		// нет, но визит с этим референсом существует.
		if v, err := s.repo.GetVehicleByPaymentRef(ctx, txRef); err == nil {
			return &ReconcileResult{Outcome: OutcomeAlreadyApplied, TxRef: txRef, Vehicle: v}, nil
		}
		return &ReconcileResult{Outcome: OutcomeUnresolved, TxRef: txRef}, nil
	}
}

// completeDirectCheckout завершает визит онлайн-оплатой. Условное обновление
// по статусу parked — идемпотентный барьер: проигравший путь наблюдает уже
// применённый эффект.
func (s *Service) completeDirectCheckout(ctx context.Context, txRef string, vehicleID uuid.UUID, amountCents int64) (*ReconcileResult, error) {
	base, vat, rate := s.vatBreakdown(ctx, amountCents)

	v, err := s.repo.CheckoutVehicle(ctx, vehicleID, repository.CheckoutParams{
		Method:       model.PaymentMethodOnline,
		PaymentRef:   txRef,
		AmountCents:  amountCents,
		VATBaseCents: base,
		VATCents:     vat,
		VATRateBP:    rate,
	})
	if err == nil {
		return &ReconcileResult{Outcome: OutcomeCheckedOut, TxRef: txRef, Vehicle: v}, nil
	}

	if errors.Is(err, repository.ErrNotParked) {
		existing, getErr := s.repo.GetVehicleByID(ctx, vehicleID)
		if getErr == nil && existing.Status == model.VehicleStatusCheckedOut && existing.PaymentRef == txRef {
			return &ReconcileResult{Outcome: OutcomeAlreadyApplied, TxRef: txRef, Vehicle: existing}, nil
		}
		// Запись завершена другим способом: транзакция действительна,
		// но применить её некуда.
		return &ReconcileResult{Outcome: OutcomeUnresolved, TxRef: txRef}, nil
	}

	if errors.Is(err, repository.ErrVehicleNotFound) {
		return &ReconcileResult{Outcome: OutcomeUnresolved, TxRef: txRef}, nil
	}

	return nil, err
}

// materializePackage создаёт визит-абонемент из отложенного платежа не более
// одного раза на референс: захват отложенной записи и вставка визита атомарны.
func (s *Service) materializePackage(ctx context.Context, txRef string, capturedCents int64) (*ReconcileResult, error) {
	now := time.Now()

	v, err := s.repo.MaterializePackageVehicle(ctx, txRef, func(p model.PendingPackagePayment) (*model.Vehicle, error) {
		plate, err := validation.NormalizePlate(p.PlateCode, p.PlateRegion, p.PlateNumber)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err)
		}

		amount := capturedCents
		if amount <= 0 {
			// Шлюз не вернул подтверждённую сумму — используем заявленную.
			amount = p.AmountCents
		}
		base, vat, rate := s.vatBreakdown(ctx, amount)

		start, end := packageWindow(now, p.Duration)
		subID := uuid.New()

		return &model.Vehicle{
			ID:          uuid.New(),
			Plate:       plate,
			PlateCode:   strings.ToUpper(strings.TrimSpace(p.PlateCode)),
			PlateRegion: strings.ToUpper(strings.TrimSpace(p.PlateRegion)),
			PlateNumber: strings.ToUpper(strings.TrimSpace(p.PlateNumber)),
			Type:        p.VehicleType,
			Model:       p.Model,
			Color:       p.Color,
			OwnerPhone:  p.OwnerPhone,
			Zone:        p.Zone,
			Status:      model.VehicleStatusParked,
			ServiceType: model.ServiceTypePackage,

			SubscriptionID:  &subID,
			PackageDuration: p.Duration,
			PackageStartsAt: &start,
			PackageEndsAt:   &end,

			PaymentMethod: model.PaymentMethodOnline,
			PaymentRef:    txRef,
			AmountCents:   amount,
			VATBaseCents:  base,
			VATCents:      vat,
			VATRateBP:     rate,

			ValetID:  p.ValetID,
			ParkedAt: now,
		}, nil
	})
	if err == nil {
		return &ReconcileResult{Outcome: OutcomeMaterialized, TxRef: txRef, Vehicle: v}, nil
	}

	if errors.Is(err, repository.ErrPendingNotFound) {
		// Конкурирующий путь уже материализовал запись.
		if existing, getErr := s.repo.GetVehicleByPaymentRef(ctx, txRef); getErr == nil {
			return &ReconcileResult{Outcome: OutcomeAlreadyApplied, TxRef: txRef, Vehicle: existing}, nil
		}
		return &ReconcileResult{Outcome: OutcomeUnresolved, TxRef: txRef}, nil
	}

	return nil, err
}
