// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"strings"
	"unicode"

	"github.com/mmeshcher/valet-system/internal/model"
)

// ErrInvalidPlate возвращается при некорректных компонентах номерного знака.
var ErrInvalidPlate = errors.New("invalid plate")

// NormalizePlate собирает нормализованный номерной знак из трёх компонентов:
// код серии, регион и номер. Результат — "CODE-REGION-NUMBER" в верхнем регистре.
func NormalizePlate(code, region, number string) (string, error) {
	code = strings.TrimSpace(code)
	region = strings.TrimSpace(region)
	number = strings.TrimSpace(number)

	if code == "" || region == "" || number == "" {
		return "", ErrInvalidPlate
	}

	for _, part := range []string{code, region, number} {
		for _, ch := range part {
			if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) {
				return "", ErrInvalidPlate
			}
		}
	}

	return strings.ToUpper(code + "-" + region + "-" + number), nil
}

// ParseVehicleType проверяет и возвращает тип транспортного средства.
func ParseVehicleType(s string) (model.VehicleType, bool) {
	switch t := model.VehicleType(s); t {
	case model.VehicleTypeMotorcycle,
		model.VehicleTypeBajaj,
		model.VehicleTypeAutomobile,
		model.VehicleTypeTruck,
		model.VehicleTypeTrailer:
		return t, true
	default:
		return "", false
	}
}

// ParseServiceType проверяет и возвращает вид обслуживания.
func ParseServiceType(s string) (model.ServiceType, bool) {
	switch t := model.ServiceType(s); t {
	case model.ServiceTypeHourly, model.ServiceTypePackage:
		return t, true
	default:
		return "", false
	}
}

// ParsePackageDuration проверяет и возвращает срок абонемента.
func ParsePackageDuration(s string) (model.PackageDuration, bool) {
	switch d := model.PackageDuration(s); d {
	case model.PackageDurationWeekly,
		model.PackageDurationMonthly,
		model.PackageDurationYearly:
		return d, true
	default:
		return "", false
	}
}
