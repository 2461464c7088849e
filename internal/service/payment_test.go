package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mmeshcher/valet-system/internal/gateway"
	"github.com/mmeshcher/valet-system/internal/model"
)

func successfulVerify(amountCents int64, meta map[string]string) gateway.VerifyResult {
	return gateway.VerifyResult{
		Status:      gateway.StatusSuccessful,
		AmountCents: amountCents,
		Meta:        meta,
	}
}

func TestInitializeDirectPayment_BuildsGatewayRequest(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/1"}
	svc := newTestService(repo, gw)

	v, err := svc.RegisterVehicle(context.Background(), valet, hourlyInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	intent, err := svc.InitializeDirectPayment(context.Background(), valet, DirectPaymentInput{
		VehicleID:   v.ID,
		AmountCents: 15000,
		Phone:       "+251911000000",
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if intent.CheckoutURL != "https://pay.example/checkout/1" {
		t.Errorf("checkout url = %q", intent.CheckoutURL)
	}
	if !strings.HasPrefix(intent.TxRef, txRefPrefix) {
		t.Errorf("tx ref = %q, want %q prefix", intent.TxRef, txRefPrefix)
	}
	if gw.lastInit.Meta["vehicle_id"] != v.ID.String() {
		t.Errorf("meta vehicle_id = %q, want %q", gw.lastInit.Meta["vehicle_id"], v.ID.String())
	}
	if gw.lastInit.Currency != "ETB" {
		t.Errorf("currency = %q, want ETB", gw.lastInit.Currency)
	}
	if gw.lastInit.CallbackURL != "https://valet.example/api/payments/callback" {
		t.Errorf("callback url = %q", gw.lastInit.CallbackURL)
	}
	if !strings.Contains(gw.lastInit.ReturnURL, "tx_ref="+intent.TxRef) {
		t.Errorf("return url = %q must carry the tx ref", gw.lastInit.ReturnURL)
	}
}

func TestInitializeDirectPayment_CheckedOutRejected(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/1"}
	svc := newTestService(repo, gw)

	v, err := svc.RegisterVehicle(context.Background(), valet, hourlyInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.CheckoutVehicle(context.Background(), valet, v.ID, CheckoutInput{}); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	_, err = svc.InitializeDirectPayment(context.Background(), valet, DirectPaymentInput{
		VehicleID:   v.ID,
		AmountCents: 15000,
	})
	if err == nil {
		t.Fatal("expected error for checked out visit")
	}
}

func TestInitializePackagePayment_StoresPending(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/2"}
	svc := newTestService(repo, gw)

	intent, err := svc.InitializePackagePayment(context.Background(), valet, PackagePaymentInput{
		AmountCents:     50000,
		PackageDuration: "monthly",
		PlateCode:       "B",
		PlateRegion:     "AA",
		PlateNumber:     "12345",
		VehicleType:     "automobile",
		OwnerPhone:      "+251911000000",
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	p, err := repo.GetPendingPayment(context.Background(), intent.TxRef)
	if err != nil {
		t.Fatalf("pending must be stored: %v", err)
	}
	if p.Duration != model.PackageDurationMonthly {
		t.Errorf("duration = %q, want monthly", p.Duration)
	}
	if p.ValetID != valet.ID {
		t.Errorf("valet = %d, want %d", p.ValetID, valet.ID)
	}

	// Запись автомобиля до подтверждения не создаётся.
	if len(repo.vehicles) != 0 {
		t.Error("no vehicle may exist before confirmation")
	}
}

func TestInitializePackagePayment_GatewayFailureCleansPending(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initErr: errors.New("gateway down")}
	svc := newTestService(repo, gw)

	_, err := svc.InitializePackagePayment(context.Background(), valet, PackagePaymentInput{
		AmountCents:     50000,
		PackageDuration: "monthly",
		PlateCode:       "B",
		PlateRegion:     "AA",
		PlateNumber:     "12345",
		VehicleType:     "automobile",
	})
	if err == nil {
		t.Fatal("expected gateway error")
	}
	if len(repo.pendings) != 0 {
		t.Error("failed initialization must not leave a pending record")
	}
}

func TestInitializePackagePayment_InvalidDataBeforePending(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/3"}
	svc := newTestService(repo, gw)

	_, err := svc.InitializePackagePayment(context.Background(), valet, PackagePaymentInput{
		AmountCents:     50000,
		PackageDuration: "quarterly",
		PlateCode:       "B",
		PlateRegion:     "AA",
		PlateNumber:     "12345",
		VehicleType:     "automobile",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(repo.pendings) != 0 {
		t.Error("invalid input must not leave a pending record")
	}
}

func TestVerifyPayment_PendingChangesNothing(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{
		initURL:      "https://pay.example/checkout/4",
		verifyResult: gateway.VerifyResult{Status: gateway.StatusPending},
	}
	svc := newTestService(repo, gw)

	v, err := svc.RegisterVehicle(context.Background(), valet, hourlyInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	intent, err := svc.InitializeDirectPayment(context.Background(), valet, DirectPaymentInput{
		VehicleID:   v.ID,
		AmountCents: 15000,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	res, err := svc.VerifyPayment(context.Background(), intent.TxRef)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Outcome != OutcomePending {
		t.Fatalf("outcome = %q, want pending", res.Outcome)
	}

	stored, _ := repo.GetVehicleByID(context.Background(), v.ID)
	if stored.Status != model.VehicleStatusParked {
		t.Errorf("pending verify must not change status, got %q", stored.Status)
	}
}

func TestVerifyPayment_DirectCheckout(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/5"}
	svc := newTestService(repo, gw)

	v, err := svc.RegisterVehicle(context.Background(), valet, hourlyInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	intent, err := svc.InitializeDirectPayment(context.Background(), valet, DirectPaymentInput{
		VehicleID:   v.ID,
		AmountCents: 11500,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	gw.verifyResult = successfulVerify(11500, map[string]string{"vehicle_id": v.ID.String()})

	res, err := svc.VerifyPayment(context.Background(), intent.TxRef)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Outcome != OutcomeCheckedOut {
		t.Fatalf("outcome = %q, want checked_out", res.Outcome)
	}
	if res.Vehicle.Status != model.VehicleStatusCheckedOut {
		t.Errorf("status = %q, want checked_out", res.Vehicle.Status)
	}
	if res.Vehicle.PaymentMethod != model.PaymentMethodOnline {
		t.Errorf("payment method = %q, want online", res.Vehicle.PaymentMethod)
	}
	if res.Vehicle.PaymentRef != intent.TxRef {
		t.Errorf("payment ref = %q, want %q", res.Vehicle.PaymentRef, intent.TxRef)
	}
	if res.Vehicle.VATBaseCents != 10000 || res.Vehicle.VATCents != 1500 {
		t.Errorf("vat breakdown = %d + %d", res.Vehicle.VATBaseCents, res.Vehicle.VATCents)
	}
	// Завершение по сверке со шлюзом не приписывается сотруднику.
	if res.Vehicle.CheckedOutBy != nil {
		t.Errorf("checked out by = %d, want nil", *res.Vehicle.CheckedOutBy)
	}
}

func TestVerifyPayment_DirectIdempotent(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/6"}
	svc := newTestService(repo, gw)

	v, err := svc.RegisterVehicle(context.Background(), valet, hourlyInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	intent, err := svc.InitializeDirectPayment(context.Background(), valet, DirectPaymentInput{
		VehicleID:   v.ID,
		AmountCents: 11500,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	gw.verifyResult = successfulVerify(11500, map[string]string{"vehicle_id": v.ID.String()})

	first, err := svc.VerifyPayment(context.Background(), intent.TxRef)
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if first.Outcome != OutcomeCheckedOut {
		t.Fatalf("first outcome = %q, want checked_out", first.Outcome)
	}

	// Повторная доставка того же подтверждения: эффект ровно один.
	second, err := svc.ConfirmPayment(context.Background(), intent.TxRef, "success")
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if second.Outcome != OutcomeAlreadyApplied {
		t.Fatalf("second outcome = %q, want already_applied", second.Outcome)
	}
	if second.Vehicle == nil || second.Vehicle.ID != v.ID {
		t.Error("already applied result must carry the vehicle")
	}
}

func TestConfirmPayment_DeclaredFailureSkipsVerify(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(newFakeRepo(), gw)

	res, err := svc.ConfirmPayment(context.Background(), "tana-abc", "failed")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Outcome != OutcomePending {
		t.Fatalf("outcome = %q, want pending", res.Outcome)
	}
	if gw.verifyCalls != 0 {
		t.Error("declared failure must not trigger gateway verification")
	}
}

func TestConfirmPayment_DeclaredSuccessIsReverified(t *testing.T) {
	gw := &fakeGateway{
		verifyResult: gateway.VerifyResult{Status: gateway.StatusPending},
	}
	svc := newTestService(newFakeRepo(), gw)

	res, err := svc.ConfirmPayment(context.Background(), "tana-abc", "success")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if gw.verifyCalls != 1 {
		t.Fatalf("verify calls = %d, want 1", gw.verifyCalls)
	}
	// Заявленному успеху без подтверждения шлюза не верим.
	if res.Outcome != OutcomePending {
		t.Fatalf("outcome = %q, want pending", res.Outcome)
	}
}

func TestPackagePayment_MaterializesOnce(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/7"}
	svc := newTestService(repo, gw)

	intent, err := svc.InitializePackagePayment(context.Background(), valet, PackagePaymentInput{
		AmountCents:     50000,
		PackageDuration: "monthly",
		PlateCode:       "b",
		PlateRegion:     "aa",
		PlateNumber:     "54321",
		VehicleType:     "automobile",
		OwnerPhone:      "+251911000000",
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	gw.verifyResult = successfulVerify(50000, nil)

	res, err := svc.VerifyPayment(context.Background(), intent.TxRef)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Outcome != OutcomeMaterialized {
		t.Fatalf("outcome = %q, want materialized", res.Outcome)
	}

	v := res.Vehicle
	if v == nil {
		t.Fatal("materialized result must carry the vehicle")
	}
	if v.Plate != "B-AA-54321" {
		t.Errorf("plate = %q, want B-AA-54321", v.Plate)
	}
	if v.ServiceType != model.ServiceTypePackage {
		t.Errorf("service type = %q, want package", v.ServiceType)
	}
	if v.Status != model.VehicleStatusParked {
		t.Errorf("status = %q, want parked", v.Status)
	}
	if v.SubscriptionID == nil || v.PackageStartsAt == nil || v.PackageEndsAt == nil {
		t.Fatal("subscription fields must be set")
	}
	if want := v.PackageStartsAt.AddDate(0, 1, 0); !v.PackageEndsAt.Equal(want) {
		t.Errorf("package end = %v, want %v", v.PackageEndsAt, want)
	}
	if v.PaymentRef != intent.TxRef {
		t.Errorf("payment ref = %q, want %q", v.PaymentRef, intent.TxRef)
	}

	// Конкурирующая доставка webhook после материализации.
	again, err := svc.ConfirmPayment(context.Background(), intent.TxRef, "success")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if again.Outcome != OutcomeAlreadyApplied {
		t.Fatalf("outcome = %q, want already_applied", again.Outcome)
	}
	if len(repo.vehicles) != 1 {
		t.Fatalf("vehicles = %d, want exactly one", len(repo.vehicles))
	}
}

// Гонка трёх путей сверки: параллельные подтверждения одного референса
// материализуют ровно один визит.
func TestPackagePayment_ConcurrentConfirms(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/9"}
	svc := newTestService(repo, gw)

	intent, err := svc.InitializePackagePayment(context.Background(), valet, PackagePaymentInput{
		AmountCents:     50000,
		PackageDuration: "monthly",
		PlateCode:       "b",
		PlateRegion:     "aa",
		PlateNumber:     "65432",
		VehicleType:     "automobile",
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	gw.verifyResult = successfulVerify(50000, nil)

	const confirms = 8
	outcomes := make([]ReconcileOutcome, confirms)

	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ConfirmPayment(context.Background(), intent.TxRef, "success")
			if err != nil {
				t.Errorf("confirm: %v", err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	var materialized int
	for _, o := range outcomes {
		switch o {
		case OutcomeMaterialized:
			materialized++
		case OutcomeAlreadyApplied, OutcomeUnresolved:
			// Проигравшие пути: запись уже создана либо ещё не видна.
		default:
			t.Errorf("unexpected outcome %q", o)
		}
	}
	if materialized != 1 {
		t.Errorf("materialized %d times, want 1", materialized)
	}
	if len(repo.vehicles) != 1 {
		t.Fatalf("vehicles = %d, want exactly one", len(repo.vehicles))
	}
	if _, err := repo.GetVehicleByPaymentRef(context.Background(), intent.TxRef); err != nil {
		t.Errorf("vehicle by payment ref: %v", err)
	}
}

func TestPackagePayment_CapturedAmountWins(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/8"}
	svc := newTestService(repo, gw)

	intent, err := svc.InitializePackagePayment(context.Background(), valet, PackagePaymentInput{
		AmountCents:     50000,
		PackageDuration: "weekly",
		PlateCode:       "B",
		PlateRegion:     "AA",
		PlateNumber:     "11111",
		VehicleType:     "automobile",
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Шлюз подтвердил другую сумму.
	gw.verifyResult = successfulVerify(48000, nil)

	res, err := svc.VerifyPayment(context.Background(), intent.TxRef)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Vehicle.AmountCents != 48000 {
		t.Errorf("amount = %d, want captured 48000", res.Vehicle.AmountCents)
	}
}

func TestVerifyPayment_UnknownReferenceUnresolved(t *testing.T) {
	gw := &fakeGateway{
		verifyResult: successfulVerify(1000, nil),
	}
	svc := newTestService(newFakeRepo(), gw)

	res, err := svc.VerifyPayment(context.Background(), "tana-unknown")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Outcome != OutcomeUnresolved {
		t.Fatalf("outcome = %q, want unresolved", res.Outcome)
	}
}

func TestVerifyPayment_MalformedMetaFallsBackToPending(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{initURL: "https://pay.example/checkout/9"}
	svc := newTestService(repo, gw)

	intent, err := svc.InitializePackagePayment(context.Background(), valet, PackagePaymentInput{
		AmountCents:     20000,
		PackageDuration: "weekly",
		PlateCode:       "B",
		PlateRegion:     "AA",
		PlateNumber:     "22222",
		VehicleType:     "automobile",
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Мусор в метаданных не должен ломать привязку по отложенному платежу.
	gw.verifyResult = successfulVerify(20000, map[string]string{"vehicle_id": "garbage"})

	res, err := svc.VerifyPayment(context.Background(), intent.TxRef)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Outcome != OutcomeMaterialized {
		t.Fatalf("outcome = %q, want materialized", res.Outcome)
	}
}

func TestVerifyPayment_GatewayDisabled(t *testing.T) {
	svc := newTestService(newFakeRepo(), nil)

	_, err := svc.VerifyPayment(context.Background(), "tana-abc")
	if !errors.Is(err, ErrGatewayDisabled) {
		t.Fatalf("expected ErrGatewayDisabled, got %v", err)
	}
}

func TestVerifyPayment_EmptyReference(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeGateway{})

	_, err := svc.VerifyPayment(context.Background(), "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestNewTxRef_PrefixAndUniqueness(t *testing.T) {
	a := newTxRef()
	b := newTxRef()

	if !strings.HasPrefix(a, txRefPrefix) {
		t.Errorf("tx ref = %q, want %q prefix", a, txRefPrefix)
	}
	if a == b {
		t.Error("tx refs must be unique")
	}
	if strings.Contains(a, "-") && strings.Count(a, "-") > 1 {
		t.Errorf("tx ref %q must not contain uuid dashes", a)
	}
}
