package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
)

// DataSource is the relational row backing a configured input (§3
// "DataSource"). Host/Port/Minzoom/Maxzoom/Bounds/Center are nullable in
// the schema since most fields are optional per the spec; mbtiles is
// NOT NULL there (default false) but is still scanned as a sql.NullBool.
type DataSource struct {
	Identifier string
	DataType   sql.NullString
	StoreType  sql.NullString
	Host       sql.NullString
	Port       sql.NullInt32
	Mbtiles    sql.NullBool
	MinZoom    sql.NullInt32
	MaxZoom    sql.NullInt32
	Bounds     json.RawMessage
	Center     json.RawMessage
	Data       json.RawMessage
}

// ListDataSources returns every datasource row, used to rebuild the C3
// in-memory registry on every UpdateDataSources event.
func ListDataSources(ctx context.Context, db *DB) ([]DataSource, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT identifier, data_type, store_type, host, port, mbtiles, minzoom, maxzoom, bounds, center, data
		FROM datasources`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DataSource
	for rows.Next() {
		var d DataSource
		if err := rows.Scan(&d.Identifier, &d.DataType, &d.StoreType, &d.Host, &d.Port,
			&d.Mbtiles, &d.MinZoom, &d.MaxZoom, &d.Bounds, &d.Center, &d.Data); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDataSource inserts or replaces one datasource row.
func UpsertDataSource(ctx context.Context, db *DB, d DataSource) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO datasources (identifier, data_type, store_type, host, port, mbtiles, minzoom, maxzoom, bounds, center, data, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
		ON CONFLICT (identifier) DO UPDATE SET
			data_type = EXCLUDED.data_type,
			store_type = EXCLUDED.store_type,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			mbtiles = EXCLUDED.mbtiles,
			minzoom = EXCLUDED.minzoom,
			maxzoom = EXCLUDED.maxzoom,
			bounds = EXCLUDED.bounds,
			center = EXCLUDED.center,
			data = EXCLUDED.data,
			updated_at = now()`,
		d.Identifier, d.DataType, d.StoreType, d.Host, d.Port, d.Mbtiles, d.MinZoom, d.MaxZoom, d.Bounds, d.Center, d.Data)
	return err
}

// DeleteDataSource removes one datasource row by identifier.
func DeleteDataSource(ctx context.Context, db *DB, identifier string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM datasources WHERE identifier = $1`, identifier)
	return err
}
