package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
)

// Catalog remembers discovered devices and their attribute schema.
//
// Values are not persisted: they are only meaningful once the vendor has
// been read again.
type Catalog interface {
	// Upsert inserts or replaces a device.
	Upsert(ctx context.Context, d *Device) error

	// Get retrieves a device by ID. Returns ErrDeviceNotFound if absent.
	Get(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices ordered by name.
	List(ctx context.Context) ([]Device, error)

	// Delete removes a device. Returns ErrDeviceNotFound if absent.
	Delete(ctx context.Context, id string) error
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCatalog creates a new SQLite-backed catalog.
// The db parameter should be an open SQLite connection.
func NewSQLiteCatalog(db *sql.DB) *SQLiteCatalog {
	return &SQLiteCatalog{db: db, now: time.Now}
}

// Upsert inserts a device or replaces the stored row with the same ID.
func (c *SQLiteCatalog) Upsert(ctx context.Context, d *Device) error {
	if err := d.Validate(); err != nil {
		return err
	}

	schema := d.Attributes.All()
	for i := range schema {
		schema[i].Value = nil
	}
	if schema == nil {
		schema = []attribute.Attribute{}
	}
	attrsJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshalling attributes: %w", err)
	}
	metaJSON, err := json.Marshal(d.Meta)
	if err != nil {
		return fmt.Errorf("marshalling meta: %w", err)
	}

	var lastSync sql.NullString
	if !d.LastSync.IsZero() {
		lastSync = sql.NullString{String: d.LastSync.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, category, serial, model, version, meta, attributes, last_sync, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			serial = excluded.serial,
			model = excluded.model,
			version = excluded.version,
			meta = excluded.meta,
			attributes = excluded.attributes,
			last_sync = COALESCE(excluded.last_sync, devices.last_sync),
			updated_at = excluded.updated_at`,
		d.ID, d.Name, d.Category, d.Serial, d.Model, d.Version,
		string(metaJSON), string(attrsJSON), lastSync,
		c.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// Get retrieves a device by its unique identifier.
func (c *SQLiteCatalog) Get(ctx context.Context, id string) (*Device, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, category, serial, model, version, meta, attributes, last_sync
		FROM devices
		WHERE id = ?`, id)

	d, err := scanCatalogRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (c *SQLiteCatalog) List(ctx context.Context) ([]Device, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, category, serial, model, version, meta, attributes, last_sync
		FROM devices
		ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanCatalogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Delete removes a device by ID.
func (c *SQLiteCatalog) Delete(ctx context.Context, id string) error {
	result, err := c.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCatalogRow(row rowScanner) (*Device, error) {
	var d Device
	var metaJSON, attrsJSON string
	var lastSync sql.NullString

	if err := row.Scan(&d.ID, &d.Name, &d.Category, &d.Serial, &d.Model, &d.Version,
		&metaJSON, &attrsJSON, &lastSync); err != nil {
		return nil, err
	}

	if metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &d.Meta); err != nil {
			return nil, fmt.Errorf("unmarshalling meta: %w", err)
		}
	}

	var schema []attribute.Attribute
	if err := json.Unmarshal([]byte(attrsJSON), &schema); err != nil {
		return nil, fmt.Errorf("unmarshalling attributes: %w", err)
	}
	d.Attributes = attribute.NewSet(schema...)

	if lastSync.Valid {
		t, err := time.Parse(time.RFC3339, lastSync.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_sync: %w", err)
		}
		d.LastSync = t
	}
	return &d, nil
}
