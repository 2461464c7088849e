// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/valet-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrVehicleNotFound возвращается, если визит с указанным идентификатором не найден.
var (
	ErrVehicleNotFound = errors.New("vehicle not found")
	// ErrDuplicatePlate возвращается при попытке запарковать автомобиль,
	// номер которого уже числится на парковке.
	ErrDuplicatePlate = errors.New("vehicle with this plate is already parked")
	// ErrNotParked возвращается, если условное обновление не прошло:
	// визит уже не в статусе parked.
	ErrNotParked = errors.New("vehicle is not parked")
	// ErrPendingNotFound возвращается, если отложенный платёж отсутствует
	// или уже был востребован другим путём сверки.
	ErrPendingNotFound = errors.New("pending payment not found")
	// ErrSettingsNotFound возвращается при отсутствии тарифных настроек.
	ErrSettingsNotFound = errors.New("pricing settings not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках PostgreSQL
// (serialization failure, deadlock).
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const vehicleColumns = `id, plate, plate_code, plate_region, plate_number, vehicle_type,
	model, color, owner_phone, zone, notes, status, service_type,
	subscription_id, package_duration, package_starts_at, package_ends_at,
	payment_method, payment_ref, amount_cents, vat_base_cents, vat_cents, vat_rate_bp,
	valet_id, checked_out_by, parked_at, checked_out_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (*model.Vehicle, error) {
	var v model.Vehicle
	err := row.Scan(
		&v.ID, &v.Plate, &v.PlateCode, &v.PlateRegion, &v.PlateNumber, &v.Type,
		&v.Model, &v.Color, &v.OwnerPhone, &v.Zone, &v.Notes, &v.Status, &v.ServiceType,
		&v.SubscriptionID, &v.PackageDuration, &v.PackageStartsAt, &v.PackageEndsAt,
		&v.PaymentMethod, &v.PaymentRef, &v.AmountCents, &v.VATBaseCents, &v.VATCents, &v.VATRateBP,
		&v.ValetID, &v.CheckedOutBy, &v.ParkedAt, &v.CheckedOutAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVehicle сохраняет новый визит со статусом parked. Частичный уникальный
// индекс по номеру гарантирует не более одного запаркованного автомобиля
// с данным номером.
func (r *PostgresRepository) CreateVehicle(ctx context.Context, v *model.Vehicle) error {
	return r.withRetry(ctx, func() error {
		return r.insertVehicle(ctx, r.pool, v)
	})
}

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) insertVehicle(ctx context.Context, q execQuerier, v *model.Vehicle) error {
	_, err := q.Exec(ctx,
		`INSERT INTO vehicles (
			id, plate, plate_code, plate_region, plate_number, vehicle_type,
			model, color, owner_phone, zone, notes, status, service_type,
			subscription_id, package_duration, package_starts_at, package_ends_at,
			payment_method, payment_ref, amount_cents, vat_base_cents, vat_cents, vat_rate_bp,
			valet_id, parked_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23,
			$24, $25
		)`,
		v.ID, v.Plate, v.PlateCode, v.PlateRegion, v.PlateNumber, string(v.Type),
		v.Model, v.Color, v.OwnerPhone, v.Zone, v.Notes, string(v.Status), string(v.ServiceType),
		v.SubscriptionID, string(v.PackageDuration), v.PackageStartsAt, v.PackageEndsAt,
		string(v.PaymentMethod), v.PaymentRef, v.AmountCents, v.VATBaseCents, v.VATCents, v.VATRateBP,
		v.ValetID, v.ParkedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicatePlate, v.Plate)
		}
		return fmt.Errorf("insert vehicle: %w", err)
	}
	return nil
}

// GetVehicleByID возвращает визит по идентификатору.
func (r *PostgresRepository) GetVehicleByID(ctx context.Context, id uuid.UUID) (*model.Vehicle, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id)

	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVehicleNotFound
		}
		return nil, fmt.Errorf("get vehicle: %w", err)
	}
	return v, nil
}

// GetParkedVehicleByPlate возвращает запаркованный визит по нормализованному номеру.
func (r *PostgresRepository) GetParkedVehicleByPlate(ctx context.Context, plate string) (*model.Vehicle, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE plate = $1 AND status = $2`,
		plate, string(model.VehicleStatusParked))

	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVehicleNotFound
		}
		return nil, fmt.Errorf("get parked vehicle: %w", err)
	}
	return v, nil
}

// GetVehicleByPaymentRef возвращает визит по референсу транзакции шлюза.
func (r *PostgresRepository) GetVehicleByPaymentRef(ctx context.Context, txRef string) (*model.Vehicle, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE payment_ref = $1 ORDER BY parked_at DESC LIMIT 1`,
		txRef)

	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVehicleNotFound
		}
		return nil, fmt.Errorf("get vehicle by payment ref: %w", err)
	}
	return v, nil
}

// ListVehiclesByValet возвращает визиты, созданные указанным сотрудником.
func (r *PostgresRepository) ListVehiclesByValet(ctx context.Context, valetID int64) ([]model.Vehicle, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE valet_id = $1 ORDER BY parked_at DESC`,
		valetID)
	if err != nil {
		return nil, fmt.Errorf("select vehicles: %w", err)
	}
	defer rows.Close()

	var res []model.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		res = append(res, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CheckoutParams содержит параметры завершения визита.
type CheckoutParams struct {
	By           int64
	Method       model.PaymentMethod
	PaymentRef   string
	AmountCents  int64
	VATBaseCents int64
	VATCents     int64
	VATRateBP    int64
}

// CheckoutVehicle переводит визит из parked в checked_out условным обновлением:
// строка изменяется только если статус всё ещё parked. Повторная попытка по
// тому же визиту обновления не производит и возвращает ErrNotParked.
func (r *PostgresRepository) CheckoutVehicle(ctx context.Context, id uuid.UUID, p CheckoutParams) (*model.Vehicle, error) {
	var v *model.Vehicle
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE vehicles SET
				status = $2,
				checked_out_at = now(),
				checked_out_by = NULLIF($3::bigint, 0),
				payment_method = COALESCE(NULLIF($4, ''), payment_method),
				payment_ref = COALESCE(NULLIF($5, ''), payment_ref),
				amount_cents = CASE WHEN $6::bigint > 0 THEN $6::bigint ELSE amount_cents END,
				vat_base_cents = CASE WHEN $6::bigint > 0 THEN $7::bigint ELSE vat_base_cents END,
				vat_cents = CASE WHEN $6::bigint > 0 THEN $8::bigint ELSE vat_cents END,
				vat_rate_bp = CASE WHEN $6::bigint > 0 THEN $9::bigint ELSE vat_rate_bp END
			WHERE id = $1 AND status = $10
			RETURNING `+vehicleColumns,
			id, string(model.VehicleStatusCheckedOut), p.By,
			string(p.Method), p.PaymentRef,
			p.AmountCents, p.VATBaseCents, p.VATCents, p.VATRateBP,
			string(model.VehicleStatusParked),
		)

		got, err := scanVehicle(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Различаем отсутствие визита и уже завершённый визит.
				var status string
				err := r.pool.QueryRow(ctx, `SELECT status FROM vehicles WHERE id = $1`, id).Scan(&status)
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrVehicleNotFound
				}
				if err != nil {
					return fmt.Errorf("read vehicle status: %w", err)
				}
				return ErrNotParked
			}
			return fmt.Errorf("checkout vehicle: %w", err)
		}

		v = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// MarkViolation помечает запаркованный визит нарушением. Терминальный переход,
// охраняется тем же условием по статусу, что и выезд.
func (r *PostgresRepository) MarkViolation(ctx context.Context, id uuid.UUID, by int64, notes string) (*model.Vehicle, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE vehicles SET
			status = $2,
			checked_out_at = now(),
			checked_out_by = $3,
			notes = COALESCE(NULLIF($4, ''), notes)
		WHERE id = $1 AND status = $5
		RETURNING `+vehicleColumns,
		id, string(model.VehicleStatusViolation), by, notes,
		string(model.VehicleStatusParked),
	)

	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			err := r.pool.QueryRow(ctx, `SELECT status FROM vehicles WHERE id = $1`, id).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrVehicleNotFound
			}
			if err != nil {
				return nil, fmt.Errorf("read vehicle status: %w", err)
			}
			return nil, ErrNotParked
		}
		return nil, fmt.Errorf("mark violation: %w", err)
	}
	return v, nil
}

// VehicleFieldUpdates перечисляет изменяемые поля незавершённого визита.
// nil-поле остаётся без изменений.
type VehicleFieldUpdates struct {
	Model      *string
	Color      *string
	OwnerPhone *string
	Zone       *string
	Notes      *string
}

// UpdateVehicleFields изменяет описательные поля визита. Терминальные записи
// не изменяются.
func (r *PostgresRepository) UpdateVehicleFields(ctx context.Context, id uuid.UUID, u VehicleFieldUpdates) (*model.Vehicle, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE vehicles SET
			model = COALESCE($2, model),
			color = COALESCE($3, color),
			owner_phone = COALESCE($4, owner_phone),
			zone = COALESCE($5, zone),
			notes = COALESCE($6, notes)
		WHERE id = $1 AND status = $7
		RETURNING `+vehicleColumns,
		id, u.Model, u.Color, u.OwnerPhone, u.Zone, u.Notes,
		string(model.VehicleStatusParked),
	)

	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			err := r.pool.QueryRow(ctx, `SELECT status FROM vehicles WHERE id = $1`, id).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrVehicleNotFound
			}
			if err != nil {
				return nil, fmt.Errorf("read vehicle status: %w", err)
			}
			return nil, ErrNotParked
		}
		return nil, fmt.Errorf("update vehicle: %w", err)
	}
	return v, nil
}

// DeleteVehicle удаляет незавершённый визит.
func (r *PostgresRepository) DeleteVehicle(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM vehicles WHERE id = $1 AND status = $2`,
		id, string(model.VehicleStatusParked))
	if err != nil {
		return fmt.Errorf("delete vehicle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := r.pool.QueryRow(ctx, `SELECT status FROM vehicles WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVehicleNotFound
		}
		if err != nil {
			return fmt.Errorf("read vehicle status: %w", err)
		}
		return ErrNotParked
	}
	return nil
}

// CreatePendingPayment сохраняет отложенный платёж за абонемент со статусом pending.
func (r *PostgresRepository) CreatePendingPayment(ctx context.Context, p *model.PendingPackagePayment) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO pending_package_payments (
				tx_ref, duration, amount_cents, valet_id, zone,
				plate_code, plate_region, plate_number, vehicle_type,
				model, color, owner_phone, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'pending', $13)`,
			p.TxRef, string(p.Duration), p.AmountCents, p.ValetID, p.Zone,
			p.PlateCode, p.PlateRegion, p.PlateNumber, string(p.VehicleType),
			p.Model, p.Color, p.OwnerPhone, p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert pending payment: %w", err)
		}
		return nil
	})
}

const pendingColumns = `tx_ref, duration, amount_cents, valet_id, zone,
	plate_code, plate_region, plate_number, vehicle_type,
	model, color, owner_phone, created_at`

func scanPending(row rowScanner) (*model.PendingPackagePayment, error) {
	var p model.PendingPackagePayment
	err := row.Scan(
		&p.TxRef, &p.Duration, &p.AmountCents, &p.ValetID, &p.Zone,
		&p.PlateCode, &p.PlateRegion, &p.PlateNumber, &p.VehicleType,
		&p.Model, &p.Color, &p.OwnerPhone, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPendingPayment возвращает невостребованный отложенный платёж. Чтение не
// является захватом: для применения эффекта используется MaterializePackageVehicle.
func (r *PostgresRepository) GetPendingPayment(ctx context.Context, txRef string) (*model.PendingPackagePayment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_package_payments WHERE tx_ref = $1 AND status = 'pending'`,
		txRef)

	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("get pending payment: %w", err)
	}
	return p, nil
}

// DeletePendingPayment удаляет отложенный платёж. Используется при неудачной
// инициализации на стороне шлюза.
func (r *PostgresRepository) DeletePendingPayment(ctx context.Context, txRef string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM pending_package_payments WHERE tx_ref = $1 AND status = 'pending'`, txRef)
	if err != nil {
		return fmt.Errorf("delete pending payment: %w", err)
	}
	return nil
}

// DeleteExpiredPending удаляет невостребованные отложенные платежи старше указанного момента.
func (r *PostgresRepository) DeleteExpiredPending(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM pending_package_payments WHERE status = 'pending' AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MaterializePackageVehicle атомарно востребует отложенный платёж и создаёт
// визит-абонемент в одной транзакции. Условное обновление статуса pending →
// consumed гарантирует не более одной материализации на референс: конкурирующий
// путь сверки получает ErrPendingNotFound.
func (r *PostgresRepository) MaterializePackageVehicle(ctx context.Context, txRef string, build func(model.PendingPackagePayment) (*model.Vehicle, error)) (*model.Vehicle, error) {
	var v *model.Vehicle
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx,
			`UPDATE pending_package_payments SET status = 'consumed'
			WHERE tx_ref = $1 AND status = 'pending'
			RETURNING `+pendingColumns,
			txRef)

		p, err := scanPending(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPendingNotFound
			}
			return fmt.Errorf("claim pending payment: %w", err)
		}

		built, err := build(*p)
		if err != nil {
			return err
		}

		if err := r.insertVehicle(ctx, tx, built); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		v = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetPricingSettings возвращает тарифные настройки.
func (r *PostgresRepository) GetPricingSettings(ctx context.Context) (*model.PricingSettings, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT data FROM pricing_settings WHERE id = 1`).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}

	var s model.PricingSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &s, nil
}

// SavePricingSettings сохраняет тарифные настройки.
func (r *PostgresRepository) SavePricingSettings(ctx context.Context, s *model.PricingSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO pricing_settings (id, data) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		raw)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
