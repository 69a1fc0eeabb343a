// Package storage archives forwarded uplinks in PostgreSQL or SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Common errors
var (
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
)

const schema = `
CREATE TABLE IF NOT EXISTS uplinks (
    uplink_id   TEXT PRIMARY KEY,
    gateway_id  TEXT NOT NULL,
    received_at BIGINT NOT NULL,
    freq_hz     BIGINT NOT NULL,
    datr        TEXT NOT NULL,
    rssi        INTEGER NOT NULL,
    lsnr        DOUBLE PRECISION,
    rxpk        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS uplinks_gateway_received ON uplinks (gateway_id, received_at)`

// Record is one archived uplink.
type Record struct {
	UplinkID   uuid.UUID    `json:"uplinkID"`
	GatewayID  loragw.EUI64 `json:"gatewayID"`
	ReceivedAt time.Time    `json:"receivedAt"`
	Rxpk       loragw.Rxpk  `json:"rxpk"`
}

// Archive stores every forwarded uplink. It implements mirror.Mirror.
type Archive struct {
	db      *sql.DB
	driver  string
	timeout time.Duration
	now     func() time.Time
}

// Open connects to the database and creates the uplinks table if needed.
func Open(driver, dsn string) (*Archive, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// :memory: databases are per connection
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, stmt := range strings.Split(schema, ";") {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Archive{db: db, driver: driver, timeout: 5 * time.Second, now: time.Now}, nil
}

// Close closes the database connection
func (a *Archive) Close() error {
	return a.db.Close()
}

// PublishUplink stores one uplink. The insert times out after five seconds.
func (a *Archive) PublishUplink(gatewayID loragw.EUI64, rxpk loragw.Rxpk) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	_, err := a.Insert(ctx, Record{
		UplinkID:   uuid.New(),
		GatewayID:  gatewayID,
		ReceivedAt: a.now(),
		Rxpk:       rxpk,
	})
	return err
}

// Insert stores rec and returns it with its id filled in.
func (a *Archive) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.UplinkID == uuid.Nil {
		rec.UplinkID = uuid.New()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = a.now()
	}

	body, err := json.Marshal(rec.Rxpk)
	if err != nil {
		return rec, fmt.Errorf("marshal rxpk: %w", err)
	}

	datr := rec.Rxpk.Datr.LoRa
	if datr == "" {
		datr = strconv.FormatUint(uint64(rec.Rxpk.Datr.FSK), 10)
	}

	query := `
        INSERT INTO uplinks (
            uplink_id, gateway_id, received_at, freq_hz, datr, rssi, lsnr, rxpk
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = a.db.ExecContext(ctx, a.rebind(query),
		rec.UplinkID.String(), rec.GatewayID.String(), rec.ReceivedAt.UnixMicro(),
		int64(math.Round(rec.Rxpk.Freq*1e6)), datr, rec.Rxpk.RSSI, rec.Rxpk.LSNR, string(body),
	)
	if err != nil {
		return rec, fmt.Errorf("insert uplink: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit uplinks of gatewayID, newest first.
func (a *Archive) Recent(ctx context.Context, gatewayID loragw.EUI64, limit int) ([]Record, error) {
	query := `
        SELECT uplink_id, received_at, rxpk
        FROM uplinks
        WHERE gateway_id = ?
        ORDER BY received_at DESC
        LIMIT ?`

	rows, err := a.db.QueryContext(ctx, a.rebind(query), gatewayID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query uplinks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id   string
			at   int64
			body string
		)
		if err := rows.Scan(&id, &at, &body); err != nil {
			return nil, fmt.Errorf("scan uplink: %w", err)
		}

		rec := Record{GatewayID: gatewayID, ReceivedAt: time.UnixMicro(at).UTC()}
		if rec.UplinkID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("uplink id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(body), &rec.Rxpk); err != nil {
			return nil, fmt.Errorf("uplink %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes uplinks received before cutoff and reports how many went.
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, a.rebind("DELETE FROM uplinks WHERE received_at < ?"), cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("prune uplinks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debug().Int64("deleted", n).Time("cutoff", cutoff).Msg("已清理上行归档")
	}
	return n, nil
}

// PruneEvery deletes uplinks older than retention once at start and then
// every interval until ctx is done.
func (a *Archive) PruneEvery(ctx context.Context, interval, retention time.Duration) {
	prune := func() {
		if _, err := a.Prune(ctx, a.now().Add(-retention)); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("清理上行归档失败")
		}
	}

	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (a *Archive) rebind(query string) string {
	if a.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
