package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dr1rrb/ha-twinkly/internal/model"
)

var ErrNotFound = errors.New("not found")

const identityColumns = `id, host, hardware_id, device_name, config_name, product_code, product_name, mac, led_count, created_at, updated_at`

const upsertIdentitySQL = `
	INSERT INTO device_identity (id, host, hardware_id, device_name, config_name, product_code, product_name, mac, led_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		host=excluded.host,
		hardware_id=excluded.hardware_id,
		device_name=excluded.device_name,
		config_name=excluded.config_name,
		product_code=excluded.product_code,
		product_name=excluded.product_name,
		mac=excluded.mac,
		led_count=excluded.led_count,
		updated_at=excluded.updated_at`

func identityArgs(identity model.Identity) []any {
	return []any{
		identity.ID,
		identity.Host,
		nullableStr(identity.HardwareID),
		nullableStr(identity.DeviceName),
		nullableStr(identity.ConfigName),
		nullableStr(identity.ProductCode),
		nullableStr(identity.ProductName),
		nullableStr(identity.MAC),
		identity.LEDCount,
		identity.CreatedAt.UTC().Format(time.RFC3339Nano),
		identity.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// UpsertIdentity writes an identity row keyed by its stable ID. On update
// the original created_at is preserved.
func (r *Repository) UpsertIdentity(ctx context.Context, identity model.Identity) error {
	_, err := r.db.ExecContext(ctx, upsertIdentitySQL, identityArgs(identity)...)
	return err
}

func (r *Repository) GetIdentity(ctx context.Context, id string) (model.Identity, error) {
	return r.getIdentity(ctx, `id = ?`, id)
}

func (r *Repository) GetIdentityByHost(ctx context.Context, host string) (model.Identity, error) {
	return r.getIdentity(ctx, `host = ?`, host)
}

func (r *Repository) GetIdentityByHardwareID(ctx context.Context, hardwareID string) (model.Identity, error) {
	return r.getIdentity(ctx, `hardware_id = ?`, hardwareID)
}

func (r *Repository) getIdentity(ctx context.Context, where string, arg any) (model.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM device_identity WHERE `+where, arg)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, ErrNotFound
	}
	return identity, err
}

func (r *Repository) ListIdentities(ctx context.Context) ([]model.Identity, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+identityColumns+` FROM device_identity ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, identity)
	}
	return result, rows.Err()
}

// MigrateIdentity replaces a provisional identity row with the durable one
// in a single transaction, so a device matched by its hardware identifier
// never ends up duplicated. The provisional state row goes with it.
func (r *Repository) MigrateIdentity(ctx context.Context, staleID string, identity model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_identity WHERE id = ?`, staleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_state WHERE id = ?`, staleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsertIdentitySQL, identityArgs(identity)...); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (model.Identity, error) {
	var (
		identity                                                          model.Identity
		hardwareID, deviceName, configName, productCode, productName, mac sql.NullString
		createdAt, updatedAt                                              string
	)
	if err := row.Scan(
		&identity.ID,
		&identity.Host,
		&hardwareID,
		&deviceName,
		&configName,
		&productCode,
		&productName,
		&mac,
		&identity.LEDCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.Identity{}, err
	}
	identity.HardwareID = strValue(hardwareID)
	identity.DeviceName = strValue(deviceName)
	identity.ConfigName = strValue(configName)
	identity.ProductCode = strValue(productCode)
	identity.ProductName = strValue(productName)
	identity.MAC = strValue(mac)
	identity.CreatedAt = parseTime(createdAt)
	identity.UpdatedAt = parseTime(updatedAt)
	return identity, nil
}

// SaveState persists the last known state so a restart starts from it
// instead of a blank cache.
func (r *Repository) SaveState(ctx context.Context, id string, state model.LightState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_state (id, power, brightness, availability, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			power=excluded.power,
			brightness=excluded.brightness,
			availability=excluded.availability,
			last_seen_at=excluded.last_seen_at,
			updated_at=excluded.updated_at`,
		id,
		state.On,
		state.Brightness,
		string(state.Availability),
		fromTimePtr(state.LastSeenAt),
		state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (r *Repository) LoadStates(ctx context.Context) (map[string]model.LightState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, power, brightness, availability, last_seen_at, updated_at FROM device_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]model.LightState{}
	for rows.Next() {
		var (
			id           string
			state        model.LightState
			availability string
			lastSeen     sql.NullString
			updatedAt    string
		)
		if err := rows.Scan(&id, &state.On, &state.Brightness, &availability, &lastSeen, &updatedAt); err != nil {
			return nil, err
		}
		state.Availability = model.Availability(availability)
		state.LastSeenAt = toTimePtr(lastSeen)
		state.UpdatedAt = parseTime(updatedAt)
		result[id] = state
	}
	return result, rows.Err()
}
