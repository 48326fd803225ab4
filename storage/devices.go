package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const deviceColumns = `address, name, bonded, pinned_public_key, added_at, last_seen_at`

// UpsertDevice inserts a device or refreshes its name and last seen time.
//
// Bonded and PinnedPublicKey are only ever raised by SetDeviceBonded and
// SetDevicePinnedKey, so a rediscovered device keeps its trust state.
func (s *Store) UpsertDevice(device Device) error {
	if device.Address == "" {
		return errors.New("address is required")
	}
	if device.AddedAt == 0 {
		device.AddedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE devices.name END,
			last_seen_at = COALESCE(excluded.last_seen_at, devices.last_seen_at)`,
		device.Address,
		device.Name,
		boolToInt(device.Bonded),
		device.PinnedPublicKey,
		device.AddedAt,
		nullInt64(device.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.Address, err)
	}
	return nil
}

// GetDevice fetches a device by address.
func (s *Store) GetDevice(address string) (*Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE address = ?`, address)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", address, err)
	}
	return device, nil
}

// ListDevices returns all devices, most recently seen first.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(
		`SELECT ` + deviceColumns + ` FROM devices
		ORDER BY COALESCE(last_seen_at, added_at) DESC, address`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return devices, nil
}

// IsBonded reports whether address is a known bonded device.
func (s *Store) IsBonded(address string) (bool, error) {
	var bonded int
	err := s.db.QueryRow(`SELECT bonded FROM devices WHERE address = ?`, address).Scan(&bonded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check device bond %q: %w", address, err)
	}
	return bonded == 1, nil
}

// SetDeviceBonded records the bond state of a device, creating the row when needed.
func (s *Store) SetDeviceBonded(address string, bonded bool) error {
	if address == "" {
		return errors.New("address is required")
	}
	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO devices (address, bonded, added_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET bonded = excluded.bonded, last_seen_at = excluded.last_seen_at`,
		address,
		boolToInt(bonded),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("set device bond %q: %w", address, err)
	}
	return nil
}

// SetDevicePinnedKey stores the transfer-server key a device sent with set_cert.
func (s *Store) SetDevicePinnedKey(address, publicKeyB64 string) error {
	if address == "" {
		return errors.New("address is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO devices (address, pinned_public_key, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET pinned_public_key = excluded.pinned_public_key`,
		address,
		publicKeyB64,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set device pinned key %q: %w", address, err)
	}
	return nil
}

// RemoveDevice deletes a device.
func (s *Store) RemoveDevice(address string) error {
	res, err := s.db.Exec(`DELETE FROM devices WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", address, err)
	}
	return requireAffected(res, "remove device "+address)
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		device   Device
		bonded   int
		lastSeen sql.NullInt64
	)
	if err := row.Scan(
		&device.Address,
		&device.Name,
		&bonded,
		&device.PinnedPublicKey,
		&device.AddedAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}
	device.Bonded = bonded == 1
	device.LastSeenAt = int64Ptr(lastSeen)
	return &device, nil
}
