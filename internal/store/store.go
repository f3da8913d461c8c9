// Package store keeps calibrations and guiding history in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/guider"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/summary"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for calibrations and tracks. A nil
// *Store accepts writes and drops them.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; the guiding loop and the web server share the file
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calibrations (
            id TEXT PRIMARY KEY,
            guider TEXT NOT NULL,
            device_type TEXT NOT NULL,
            created_ns INTEGER NOT NULL,
            quality REAL,
            det REAL,
            complete BOOLEAN NOT NULL DEFAULT FALSE,
            data_json TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS tracks (
            id TEXT PRIMARY KEY,
            guider TEXT NOT NULL,
            calibration_id TEXT,
            device_type TEXT NOT NULL,
            started_ns INTEGER NOT NULL,
            finished_ns INTEGER,
            summary_json TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS tracking_points (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            track_id TEXT NOT NULL,
            time_ns INTEGER NOT NULL,
            offset_x REAL,
            offset_y REAL,
            correction_x REAL,
            correction_y REAL,
            skipped BOOLEAN DEFAULT FALSE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_calibrations_guider ON calibrations(guider);`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_guider ON tracks(guider);`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_points_track ON tracking_points(track_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SaveCalibration inserts or replaces a calibration.
func (s *Store) SaveCalibration(ctx context.Context, c *calibration.Calibration) error {
	if s == nil {
		return nil
	}
	if c.ID == "" {
		return errors.New("calibration has no id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode calibration %s: %w", c.ID, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO calibrations (id, guider, device_type, created_ns, quality, det, complete, data_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		c.ID, c.Guider, c.Type.String(), c.Timestamp.UnixNano(), c.Quality, c.Det, c.Complete, string(data))
	return err
}

// Calibration loads one calibration by id.
func (s *Store) Calibration(ctx context.Context, id string) (*calibration.Calibration, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var data string
	err := s.DB.QueryRowContext(ctx, `SELECT data_json FROM calibrations WHERE id=?;`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var c calibration.Calibration
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decode calibration %s: %w", id, err)
	}
	return &c, nil
}

// Calibrations returns the calibrations of a guider, newest first. An empty
// guider key lists all of them.
func (s *Store) Calibrations(ctx context.Context, guiderKey string) ([]calibration.Calibration, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT data_json FROM calibrations WHERE ?='' OR guider=? ORDER BY created_ns DESC;`, guiderKey, guiderKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calibration.Calibration
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c calibration.Calibration
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode calibration: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCalibration returns the newest complete calibration of a guider for
// the given device type.
func (s *Store) LatestCalibration(ctx context.Context, guiderKey string, t motion.DeviceType) (*calibration.Calibration, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM calibrations WHERE guider=? AND device_type=? AND complete ORDER BY created_ns DESC LIMIT 1;`,
		guiderKey, t.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s calibration for %s: %w", t, guiderKey, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.Calibration(ctx, id)
}

// DeleteCalibration removes a calibration.
func (s *Store) DeleteCalibration(ctx context.Context, id string) error {
	if s == nil {
		return nil
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM calibrations WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("calibration %s: %w", id, ErrNotFound)
	}
	return nil
}

// TrackRecord is a stored guiding run.
type TrackRecord struct {
	guider.Track
	Finished *time.Time       `json:"finished,omitempty"`
	Summary  *summary.Summary `json:"summary,omitempty"`
}

// StartTrack records the start of a guiding run.
func (s *Store) StartTrack(ctx context.Context, t guider.Track) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tracks (id, guider, calibration_id, device_type, started_ns) VALUES (?, ?, ?, ?, ?);`,
		t.ID, t.Guider, t.CalibrationID, t.Type.String(), t.Start.UnixNano())
	return err
}

// AddTrackingPoint appends one guiding cycle to a run.
func (s *Store) AddTrackingPoint(ctx context.Context, trackID string, p guider.TrackingPoint) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tracking_points (track_id, time_ns, offset_x, offset_y, correction_x, correction_y, skipped) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		trackID, p.Time.UnixNano(), p.Offset.X, p.Offset.Y, p.Correction.X, p.Correction.Y, p.Skipped)
	return err
}

// FinishTrack stores the final statistics of a run.
func (s *Store) FinishTrack(ctx context.Context, trackID string, sum summary.Summary) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE tracks SET finished_ns=?, summary_json=? WHERE id=?;`, time.Now().UnixNano(), string(data), trackID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("track %s: %w", trackID, ErrNotFound)
	}
	return nil
}

// Tracks returns the guiding runs of a guider, newest first, up to limit.
func (s *Store) Tracks(ctx context.Context, guiderKey string, limit int) ([]TrackRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, guider, calibration_id, device_type, started_ns, finished_ns, summary_json FROM tracks WHERE ?='' OR guider=? ORDER BY started_ns DESC LIMIT ?;`,
		guiderKey, guiderKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TrackRecord
	for rows.Next() {
		var rec TrackRecord
		var devType string
		var started int64
		var calID, sumJSON sql.NullString
		var finished sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Guider, &calID, &devType, &started, &finished, &sumJSON); err != nil {
			return nil, err
		}
		rec.CalibrationID = calID.String
		if rec.Type, err = motion.ParseDeviceType(devType); err != nil {
			return nil, err
		}
		rec.Start = time.Unix(0, started)
		if finished.Valid {
			f := time.Unix(0, finished.Int64)
			rec.Finished = &f
		}
		if sumJSON.Valid {
			var sum summary.Summary
			if err := json.Unmarshal([]byte(sumJSON.String), &sum); err != nil {
				return nil, fmt.Errorf("decode summary of track %s: %w", rec.ID, err)
			}
			rec.Summary = &sum
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// TrackingPoints returns the cycles of a run in order.
func (s *Store) TrackingPoints(ctx context.Context, trackID string) ([]guider.TrackingPoint, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var devType string
	err := s.DB.QueryRowContext(ctx, `SELECT device_type FROM tracks WHERE id=?;`, trackID).Scan(&devType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("track %s: %w", trackID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t, err := motion.ParseDeviceType(devType)
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT time_ns, offset_x, offset_y, correction_x, correction_y, skipped FROM tracking_points WHERE track_id=? ORDER BY id;`, trackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pts []guider.TrackingPoint
	for rows.Next() {
		p := guider.TrackingPoint{Type: t}
		var ns int64
		if err := rows.Scan(&ns, &p.Offset.X, &p.Offset.Y, &p.Correction.X, &p.Correction.Y, &p.Skipped); err != nil {
			return nil, err
		}
		p.Time = time.Unix(0, ns)
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

var (
	_ guider.CalibrationStore = (*Store)(nil)
	_ guider.TrackingStore    = (*Store)(nil)
)
