// Package model содержит доменные сущности сервиса валет-паркинга.
package model

import (
	"time"

	"github.com/google/uuid"
)

// VehicleStatus описывает статус визита автомобиля на парковке.
type VehicleStatus string

const (
	VehicleStatusParked     VehicleStatus = "parked"
	VehicleStatusCheckedOut VehicleStatus = "checked_out"
	VehicleStatusViolation  VehicleStatus = "violation"
)

// Terminal сообщает, является ли статус конечным для визита.
func (s VehicleStatus) Terminal() bool {
	return s == VehicleStatusCheckedOut || s == VehicleStatusViolation
}

// VehicleType описывает тип транспортного средства.
type VehicleType string

const (
	VehicleTypeMotorcycle VehicleType = "motorcycle"
	VehicleTypeBajaj      VehicleType = "bajaj"
	VehicleTypeAutomobile VehicleType = "automobile"
	VehicleTypeTruck      VehicleType = "truck"
	VehicleTypeTrailer    VehicleType = "trailer"
)

// ServiceType описывает вид обслуживания: почасовой или абонемент.
type ServiceType string

const (
	ServiceTypeHourly  ServiceType = "hourly"
	ServiceTypePackage ServiceType = "package"
)

// PaymentMethod описывает способ оплаты визита. Пустое значение — оплата ещё не произведена.
type PaymentMethod string

const (
	PaymentMethodManual PaymentMethod = "manual"
	PaymentMethodOnline PaymentMethod = "online"
)

// PackageDuration описывает срок действия абонемента.
type PackageDuration string

const (
	PackageDurationWeekly  PackageDuration = "weekly"
	PackageDurationMonthly PackageDuration = "monthly"
	PackageDurationYearly  PackageDuration = "yearly"
)

// StaffRole описывает роль сотрудника в системе.
type StaffRole string

const (
	StaffRoleValet    StaffRole = "valet"
	StaffRoleManager  StaffRole = "manager"
	StaffRoleAdmin    StaffRole = "admin"
	StaffRoleSysadmin StaffRole = "sysadmin"
)

// Elevated сообщает, даёт ли роль право изменять чужие визиты.
func (r StaffRole) Elevated() bool {
	switch r {
	case StaffRoleManager, StaffRoleAdmin, StaffRoleSysadmin:
		return true
	default:
		return false
	}
}

// Vehicle представляет один визит автомобиля: парковочную сессию либо
// отдельное посещение в рамках абонемента.
type Vehicle struct {
	ID          uuid.UUID
	Plate       string
	PlateCode   string
	PlateRegion string
	PlateNumber string
	Type        VehicleType
	Model       string
	Color       string
	OwnerPhone  string
	Zone        string
	Notes       string

	Status      VehicleStatus
	ServiceType ServiceType

	// Поля абонемента заполняются только при ServiceType = package.
	SubscriptionID  *uuid.UUID
	PackageDuration PackageDuration
	PackageStartsAt *time.Time
	PackageEndsAt   *time.Time

	PaymentMethod PaymentMethod
	PaymentRef    string
	AmountCents   int64
	VATBaseCents  int64
	VATCents      int64
	VATRateBP     int64

	ValetID      int64
	CheckedOutBy *int64

	ParkedAt     time.Time
	CheckedOutAt *time.Time
}

// PackageActive сообщает, действует ли абонемент визита в указанный момент.
func (v *Vehicle) PackageActive(now time.Time) bool {
	if v.ServiceType != ServiceTypePackage || v.PackageEndsAt == nil {
		return false
	}
	return !now.After(*v.PackageEndsAt)
}

// PendingPackagePayment хранит данные ещё не созданного автомобиля-абонемента
// между инициализацией платежа и подтверждением шлюза. Ключ — референс транзакции.
type PendingPackagePayment struct {
	TxRef       string
	Duration    PackageDuration
	AmountCents int64
	ValetID     int64
	Zone        string

	PlateCode   string
	PlateRegion string
	PlateNumber string
	VehicleType VehicleType
	Model       string
	Color       string
	OwnerPhone  string

	CreatedAt time.Time
}

// PricingSettings содержит тарифные таблицы и ставку НДС. Единственная запись,
// читается при регистрации и выезде.
type PricingSettings struct {
	// HourlyRates — стоимость часа по типу транспорта, в центах.
	HourlyRates map[VehicleType]int64 `json:"hourly_rates"`
	// PackagePrices — стоимость абонемента по типу транспорта и сроку, в центах.
	PackagePrices map[VehicleType]map[PackageDuration]int64 `json:"package_prices"`
	// VATRateBP — ставка НДС в базисных пунктах (1500 = 15%).
	VATRateBP int64 `json:"vat_rate_bp"`
}

// Staff представляет сотрудника. Управление учётными записями — внешняя
// подсистема, здесь достаточно идентификатора и роли.
type Staff struct {
	ID    int64
	Name  string
	Phone string
	Role  StaffRole
}
