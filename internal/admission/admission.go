// Package admission implements the Admission Gateway's non-HTTP
// concerns: IP ban/strike accounting, traffic and latency logging, and
// SLA aggregation. The HTTP routing and middleware chain live in
// internal/server and call into this package so the accounting logic is
// independently testable.
package admission

import (
	"database/sql"
	"sort"
	"time"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
)

const (
	strikeWindow        = 10 * time.Minute
	strikeThreshold     = 5
	temporaryBanTTL     = 15 * time.Minute
)

// Gate owns ban/strike/traffic/latency accounting against the primary
// store. All writes are parameterized queries; no string-built SQL ever
// reaches the driver.
type Gate struct {
	db *database.DB
}

// New wraps db for admission accounting.
func New(db *database.DB) *Gate {
	return &Gate{db: db}
}

// IsBanned reports whether ip is currently under an active ban: a
// permanent ban (expires_at IS NULL) or a temporary ban whose expires_at
// is still in the future.
func (g *Gate) IsBanned(ip string) (bool, error) {
	var kind string
	var expiresAt sql.NullTime

	err := g.db.Conn().QueryRow(`SELECT kind, expires_at FROM ip_bans WHERE ip = ?`, ip).Scan(&kind, &expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "check ip ban", err)
	}
	if kind == "permanent" {
		return true, nil
	}
	return expiresAt.Valid && expiresAt.Time.After(time.Now()), nil
}

// Strike records one offence against ip (invalid API key, suspicious
// 404, malformed payload). It UPSERTs the strike row to avoid the
// double-count race two concurrent offences would otherwise produce,
// resets the count if the sliding window has elapsed, and escalates to a
// permanent ban on the threshold-th strike within the window.
func (g *Gate) Strike(ip, reason string) error {
	return database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		var strikeCount int
		var windowStarted time.Time

		err := tx.QueryRow(`SELECT strike_count, window_started FROM ip_strikes WHERE ip = ?`, ip).Scan(&strikeCount, &windowStarted)
		switch {
		case err == sql.ErrNoRows:
			strikeCount, windowStarted = 0, time.Now()
		case err != nil:
			return err
		case time.Since(windowStarted) > strikeWindow:
			strikeCount, windowStarted = 0, time.Now()
		}

		strikeCount++

		_, err = tx.Exec(`
			INSERT INTO ip_strikes (ip, strike_count, window_started, last_strike_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(ip) DO UPDATE SET
				strike_count = excluded.strike_count,
				window_started = excluded.window_started,
				last_strike_at = excluded.last_strike_at
		`, ip, strikeCount, windowStarted)
		if err != nil {
			return err
		}

		if strikeCount < strikeThreshold {
			return nil
		}

		_, err = tx.Exec(`
			INSERT INTO ip_bans (ip, kind, expires_at, strike_count, reason)
			VALUES (?, 'permanent', NULL, ?, ?)
			ON CONFLICT(ip) DO UPDATE SET
				kind = 'permanent', expires_at = NULL, strike_count = excluded.strike_count, reason = excluded.reason
		`, ip, strikeCount, reason)
		return err
	})
}

// BanTemporarily applies a short-lived ban directly, bypassing the
// strike ladder, for callers (rate-limit middleware) that want an
// immediate cooldown rather than strike accumulation.
func (g *Gate) BanTemporarily(ip, reason string) error {
	_, err := g.db.Conn().Exec(`
		INSERT INTO ip_bans (ip, kind, expires_at, strike_count, reason)
		VALUES (?, 'temporary', ?, 1, ?)
		ON CONFLICT(ip) DO UPDATE SET kind = 'temporary', expires_at = excluded.expires_at, reason = excluded.reason
	`, ip, time.Now().Add(temporaryBanTTL), reason)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "apply temporary ban", err)
	}
	return nil
}

// RecordTraffic appends one TrafficRecord for an admitted request.
func (g *Gate) RecordTraffic(ip, path, method string, status int, latencyMs float64) error {
	_, err := g.db.Conn().Exec(`
		INSERT INTO traffic_records (client_ip, path, method, status, latency_ms) VALUES (?, ?, ?, ?, ?)
	`, ip, path, method, status, latencyMs)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "record traffic", err)
	}
	return nil
}

// RecordLatency appends one LatencyRecord for a routed operation.
func (g *Gate) RecordLatency(opName string, rttMs float64, brokerID string, success bool) error {
	_, err := g.db.Conn().Exec(`
		INSERT INTO latency_records (op_name, rtt_ms, broker_id, success) VALUES (?, ?, ?, ?)
	`, opName, rttMs, nullableString(brokerID), success)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "record latency", err)
	}
	return nil
}

// SLAStats is the p50/p90/p95/p99 + three-tier SLA classification for one
// operation (or all operations, when opName is empty).
type SLAStats struct {
	OpName     string
	SampleSize int
	P50Ms      float64
	P90Ms      float64
	P95Ms      float64
	P99Ms      float64
	Within100  float64 // fraction of samples <= 100ms
	Within150  float64
	Within200  float64
}

// LatencyStats computes SLAStats over the most recent samples for
// opName (or over every operation if opName is empty).
func (g *Gate) LatencyStats(opName string, limit int) (SLAStats, error) {
	if limit <= 0 {
		limit = 1000
	}

	var rows *sql.Rows
	var err error
	if opName == "" {
		rows, err = g.db.Conn().Query(`SELECT rtt_ms FROM latency_records ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = g.db.Conn().Query(`SELECT rtt_ms FROM latency_records WHERE op_name = ? ORDER BY id DESC LIMIT ?`, opName, limit)
	}
	if err != nil {
		return SLAStats{}, apperr.Wrap(apperr.Internal, "query latency records", err)
	}
	defer rows.Close()

	var samples []float64
	for rows.Next() {
		var rtt float64
		if err := rows.Scan(&rtt); err != nil {
			return SLAStats{}, apperr.Wrap(apperr.Internal, "scan latency record", err)
		}
		samples = append(samples, rtt)
	}
	if err := rows.Err(); err != nil {
		return SLAStats{}, apperr.Wrap(apperr.Internal, "iterate latency records", err)
	}

	return computeSLAStats(opName, samples), nil
}

func computeSLAStats(opName string, samples []float64) SLAStats {
	stats := SLAStats{OpName: opName, SampleSize: len(samples)}
	if len(samples) == 0 {
		return stats
	}

	sort.Float64s(samples)
	stats.P50Ms = percentile(samples, 50)
	stats.P90Ms = percentile(samples, 90)
	stats.P95Ms = percentile(samples, 95)
	stats.P99Ms = percentile(samples, 99)

	var within100, within150, within200 int
	for _, s := range samples {
		if s <= 100 {
			within100++
		}
		if s <= 150 {
			within150++
		}
		if s <= 200 {
			within200++
		}
	}
	n := float64(len(samples))
	stats.Within100 = float64(within100) / n
	stats.Within150 = float64(within150) / n
	stats.Within200 = float64(within200) / n
	return stats
}

// percentile assumes sorted is already ascending.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
