package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"yolopipe/internal/pipeline"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// DetectionSetRecord represents one published cycle stored in the database
type DetectionSetRecord struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Cycle       uint64            `json:"cycle"`
	FrameID     string            `json:"frame_id"`
	FrameSeq    uint64            `json:"frame_seq"`
	Timestamp   time.Time         `json:"timestamp"`
	FrameWidth  int               `json:"frame_width"`
	FrameHeight int               `json:"frame_height"`
	InferenceMs float64           `json:"inference_ms"`
	Detections  []DetectionRecord `json:"detections"`
}

// DetectionRecord represents a single stored detection
type DetectionRecord struct {
	ClassID     int     `json:"class_id"`
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
	XMin        int     `json:"xmin"`
	YMin        int     `json:"ymin"`
	XMax        int     `json:"xmax"`
	YMax        int     `json:"ymax"`
}

// NewDetectionSetRecord converts a pipeline result into a record with a fresh ID
func NewDetectionSetRecord(set *pipeline.DetectionSet, meta pipeline.FrameMeta) *DetectionSetRecord {
	rec := &DetectionSetRecord{
		ID:          uuid.New().String(),
		Source:      meta.Source,
		Cycle:       set.Cycle,
		FrameID:     meta.ID,
		FrameSeq:    meta.Seq,
		Timestamp:   meta.Timestamp.UTC(),
		FrameWidth:  set.FrameWidth,
		FrameHeight: set.FrameHeight,
		InferenceMs: float64(set.InferenceMs),
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	for _, d := range set.Detections {
		rec.Detections = append(rec.Detections, DetectionRecord{
			ClassID:     d.ClassID,
			Label:       d.Label,
			Probability: float64(d.Probability),
			XMin:        d.Pixels.XMin,
			YMin:        d.Pixels.YMin,
			XMax:        d.Pixels.XMax,
			YMax:        d.Pixels.YMax,
		})
	}
	return rec
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detection_sets (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			frame_id TEXT,
			frame_seq INTEGER,
			timestamp DATETIME NOT NULL,
			frame_width INTEGER,
			frame_height INTEGER,
			inference_ms REAL,
			count INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			set_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			class_id INTEGER NOT NULL,
			label TEXT,
			probability REAL,
			xmin INTEGER,
			ymin INTEGER,
			xmax INTEGER,
			ymax INTEGER,
			PRIMARY KEY (set_id, idx),
			FOREIGN KEY (set_id) REFERENCES detection_sets(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sets_source_time ON detection_sets(source, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sets_time ON detection_sets(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_label ON detections(label)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Printf("[Database] Migrations completed")
	return nil
}

// SaveDetectionSet stores a set and its detections in one transaction
func (d *Database) SaveDetectionSet(rec *DetectionSetRecord) (err error) {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec(`INSERT INTO detection_sets
		(id, source, cycle, frame_id, frame_seq, timestamp, frame_width, frame_height, inference_ms, count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Source, rec.Cycle, rec.FrameID, rec.FrameSeq, rec.Timestamp,
		rec.FrameWidth, rec.FrameHeight, rec.InferenceMs, len(rec.Detections))
	if err != nil {
		return fmt.Errorf("failed to save detection set: %w", err)
	}

	for i, det := range rec.Detections {
		_, err = tx.Exec(`INSERT INTO detections
			(set_id, idx, class_id, label, probability, xmin, ymin, xmax, ymax)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, i, det.ClassID, det.Label, det.Probability, det.XMin, det.YMin, det.XMax, det.YMax)
		if err != nil {
			return fmt.Errorf("failed to save detection: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit detection set: %w", err)
	}
	return nil
}

const setColumns = `id, source, cycle, frame_id, frame_seq, timestamp, frame_width, frame_height, inference_ms`

func scanSet(row interface{ Scan(...any) error }) (*DetectionSetRecord, error) {
	var rec DetectionSetRecord
	err := row.Scan(&rec.ID, &rec.Source, &rec.Cycle, &rec.FrameID, &rec.FrameSeq,
		&rec.Timestamp, &rec.FrameWidth, &rec.FrameHeight, &rec.InferenceMs)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetDetectionSet retrieves a set by ID, nil if it does not exist
func (d *Database) GetDetectionSet(id string) (*DetectionSetRecord, error) {
	rec, err := scanSet(d.db.QueryRow(`SELECT `+setColumns+` FROM detection_sets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection set: %w", err)
	}

	if rec.Detections, err = d.detectionsFor(rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListDetectionSets returns sets newest first with optional filtering
func (d *Database) ListDetectionSets(source string, since *time.Time, limit int) ([]*DetectionSetRecord, error) {
	query := `SELECT ` + setColumns + ` FROM detection_sets WHERE 1=1`
	args := []interface{}{}

	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY timestamp DESC, cycle DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection sets: %w", err)
	}

	var sets []*DetectionSetRecord
	for rows.Next() {
		rec, err := scanSet(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan detection set: %w", err)
		}
		sets = append(sets, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list detection sets: %w", err)
	}

	for _, rec := range sets {
		if rec.Detections, err = d.detectionsFor(rec.ID); err != nil {
			return nil, err
		}
	}
	return sets, nil
}

func (d *Database) detectionsFor(setID string) ([]DetectionRecord, error) {
	rows, err := d.db.Query(`SELECT class_id, label, probability, xmin, ymin, xmax, ymax
		FROM detections WHERE set_id = ? ORDER BY idx`, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var dets []DetectionRecord
	for rows.Next() {
		var det DetectionRecord
		if err := rows.Scan(&det.ClassID, &det.Label, &det.Probability,
			&det.XMin, &det.YMin, &det.XMax, &det.YMax); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		dets = append(dets, det)
	}
	return dets, rows.Err()
}

// CountByLabel returns how many detections of each label were stored since t
func (d *Database) CountByLabel(since time.Time) (map[string]int, error) {
	rows, err := d.db.Query(`SELECT det.label, COUNT(*) FROM detections det
		JOIN detection_sets s ON s.id = det.set_id
		WHERE s.timestamp >= ? GROUP BY det.label`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count detections: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

// DeleteOldDetectionSets deletes sets older than the specified time.
// Detections are removed explicitly since foreign key enforcement is per
// connection in SQLite.
func (d *Database) DeleteOldDetectionSets(before time.Time) (n int64, err error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`DELETE FROM detections WHERE set_id IN
		(SELECT id FROM detection_sets WHERE timestamp < ?)`, before.UTC()); err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	result, err := tx.Exec("DELETE FROM detection_sets WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detection sets: %w", err)
	}
	if n, err = result.RowsAffected(); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return n, nil
}
