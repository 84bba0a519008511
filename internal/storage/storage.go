package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"motioncorr/internal/movies"
)

// Movie states.
const (
	MovieQueued = "queued"
	MovieDone   = "done"
	MovieFailed = "failed"
)

// Store wraps SQLite-backed persistence for runs, batches and outputs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer: workers and the mover record concurrently
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
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            mode TEXT NOT NULL,
            status TEXT NOT NULL,
            input_pattern TEXT,
            run_dir TEXT,
            params_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS batches (
            id TEXT PRIMARY KEY,
            run_id TEXT NOT NULL,
            batch_index INTEGER,
            path TEXT,
            gpu TEXT,
            status TEXT NOT NULL,
            attempts INTEGER DEFAULT 0,
            movie_ids TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS batch_results (
            batch_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS movies (
            run_id TEXT NOT NULL,
            movie_id INTEGER NOT NULL,
            file_path TEXT NOT NULL,
            status TEXT NOT NULL,
            batch_id TEXT,
            error_message TEXT,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, movie_id)
        );`,
		`CREATE TABLE IF NOT EXISTS micrographs (
            run_id TEXT NOT NULL,
            movie_id INTEGER NOT NULL,
            dose_weighted BOOLEAN NOT NULL,
            file_path TEXT NOT NULL,
            movie_file TEXT,
            sampling_rate REAL,
            motion_total REAL,
            motion_early REAL,
            motion_late REAL,
            plot_global TEXT,
            thumbnail TEXT,
            psd TEXT,
            even_file TEXT,
            odd_file TEXT,
            acquisition_json TEXT,
            optics_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, movie_id, dose_weighted)
        );`,
		`CREATE TABLE IF NOT EXISTS shifts (
            run_id TEXT NOT NULL,
            movie_id INTEGER NOT NULL,
            frame INTEGER NOT NULL,
            shift_x REAL,
            shift_y REAL,
            PRIMARY KEY (run_id, movie_id, frame)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_batches_run_id ON batches(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_movies_status ON movies(run_id, status);`,
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

// Ping reports whether the database is reachable.
func (s *Store) Ping() error {
	if s == nil || s.DB == nil {
		return errors.New("store not initialized")
	}
	return s.DB.Ping()
}

// RunRecord captures a persisted run.
type RunRecord struct {
	ID           string     `json:"id"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	InputPattern string     `json:"input_pattern"`
	RunDir       string     `json:"run_dir"`
	ParamsJSON   string     `json:"params_json,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// BatchRecord captures persisted batch info.
type BatchRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Index       int        `json:"index"`
	Path        string     `json:"path"`
	GPU         string     `json:"gpu,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MovieIDs    []int      `json:"movie_ids"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MovieRecord is the processing state of one input movie.
type MovieRecord struct {
	RunID    string `json:"run_id"`
	MovieID  int    `json:"movie_id"`
	FilePath string `json:"file_path"`
	Status   string `json:"status"`
	BatchID  string `json:"batch_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunStats summarises a run.
type RunStats struct {
	Movies      int `json:"movies"`
	Done        int `json:"done"`
	Failed      int `json:"failed"`
	Batches     int `json:"batches"`
	Micrographs int `json:"micrographs"`
}

// RecordRun inserts or replaces a run.
func (s *Store) RecordRun(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, mode, status, input_pattern, run_dir, params_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Mode, rec.Status, rec.InputPattern, rec.RunDir, rec.ParamsJSON)
	return err
}

// FinishRun marks a run finished with status.
func (s *Store) FinishRun(id, status, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	return err
}

// GetRun fetches one run.
func (s *Store) GetRun(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, mode, status, input_pattern, run_dir, params_json, created_at, completed_at, error_message FROM runs WHERE id=?;`, id)
	return scanRun(row)
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, mode, status, input_pattern, run_dir, params_json, created_at, completed_at, error_message FROM runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var completed sql.NullTime
	var input, dir, params, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Mode, &rec.Status, &input, &dir, &params, &rec.CreatedAt, &completed, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.InputPattern = input.String
	rec.RunDir = dir.String
	rec.ParamsJSON = params.String
	rec.Error = errorMsg.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecordBatchQueued inserts a pending batch.
func (s *Store) RecordBatchQueued(rec BatchRecord) error {
	if s == nil {
		return nil
	}
	ids, _ := json.Marshal(rec.MovieIDs)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO batches (id, run_id, batch_index, path, status, movie_ids) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.RunID, rec.Index, rec.Path, rec.Status, string(ids))
	return err
}

// RecordBatchStart marks a batch as running on gpu.
func (s *Store) RecordBatchStart(id, gpu string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE batches SET status='running', gpu=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, gpu, id)
	return err
}

// RecordBatchResult finalizes a batch with status, attempts and meta.
func (s *Store) RecordBatchResult(id string, status string, attempts int, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE batches SET status=?, attempts=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, attempts, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO batch_results (batch_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// BatchMeta fetches the last meta blob for a batch.
func (s *Store) BatchMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM batch_results WHERE batch_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecentBatches returns the latest batches of a run (all runs when runID is
// empty) up to limit.
func (s *Store) RecentBatches(runID string, limit int) ([]BatchRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, run_id, batch_index, path, gpu, status, attempts, movie_ids, created_at, started_at, completed_at, error_message
        FROM batches WHERE (? = '' OR run_id = ?) ORDER BY created_at DESC, batch_index DESC LIMIT ?;`, runID, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []BatchRecord
	for rows.Next() {
		var rec BatchRecord
		var created time.Time
		var started, completed sql.NullTime
		var gpu, ids, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Index, &rec.Path, &gpu, &rec.Status, &rec.Attempts, &ids, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.GPU = gpu.String
		if ids.Valid {
			_ = json.Unmarshal([]byte(ids.String), &rec.MovieIDs)
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordMovie stores the state of a movie within a run.
func (s *Store) RecordMovie(rec MovieRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO movies (run_id, movie_id, file_path, status, batch_id, error_message, updated_at) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.RunID, rec.MovieID, rec.FilePath, rec.Status, rec.BatchID, rec.Error)
	return err
}

// ProcessedFiles lists the movie files of a run that reached a final state;
// a resumed stream skips them.
func (s *Store) ProcessedFiles(runID string) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.DB.Query(`SELECT file_path FROM movies WHERE run_id=? AND status IN (?, ?) ORDER BY movie_id;`, runID, MovieDone, MovieFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// MaxMovieID returns the highest movie id recorded for a run.
func (s *Store) MaxMovieID(runID string) (int, error) {
	if s == nil {
		return 0, nil
	}
	var id sql.NullInt64
	if err := s.DB.QueryRow(`SELECT MAX(movie_id) FROM movies WHERE run_id=?;`, runID).Scan(&id); err != nil {
		return 0, err
	}
	return int(id.Int64), nil
}

// FailedMovies returns the movies of a run that could not be aligned.
func (s *Store) FailedMovies(runID string) ([]MovieRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, movie_id, file_path, status, batch_id, error_message FROM movies WHERE run_id=? AND status=? ORDER BY movie_id;`, runID, MovieFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []MovieRecord
	for rows.Next() {
		var rec MovieRecord
		var batch, errorMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.MovieID, &rec.FilePath, &rec.Status, &batch, &errorMsg); err != nil {
			return nil, err
		}
		rec.BatchID = batch.String
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordMicrograph stores an output micrograph.
func (s *Store) RecordMicrograph(runID string, mic movies.Micrograph) error {
	if s == nil {
		return nil
	}
	acq, _ := json.Marshal(mic.Acquisition)
	optics, _ := json.Marshal(mic.OpticsGroup)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO micrographs (run_id, movie_id, dose_weighted, file_path, movie_file, sampling_rate, motion_total, motion_early, motion_late, plot_global, thumbnail, psd, even_file, odd_file, acquisition_json, optics_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		runID, mic.MovieID, mic.DoseWeighted, mic.FileName, mic.MovieFile, mic.SamplingRate, mic.MotionTotal, mic.MotionEarly, mic.MotionLate,
		mic.PlotGlobal, mic.Thumbnail, mic.PSD, mic.EvenFile, mic.OddFile, string(acq), string(optics))
	return err
}

// Micrographs returns the outputs of a run ordered by movie.
func (s *Store) Micrographs(runID string) ([]movies.Micrograph, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT movie_id, dose_weighted, file_path, movie_file, sampling_rate, motion_total, motion_early, motion_late, plot_global, thumbnail, psd, even_file, odd_file, acquisition_json, optics_json
        FROM micrographs WHERE run_id=? ORDER BY movie_id, dose_weighted;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mics []movies.Micrograph
	for rows.Next() {
		var m movies.Micrograph
		var movieFile, plot, thumb, psd, even, odd, acq, optics sql.NullString
		if err := rows.Scan(&m.MovieID, &m.DoseWeighted, &m.FileName, &movieFile, &m.SamplingRate, &m.MotionTotal, &m.MotionEarly, &m.MotionLate,
			&plot, &thumb, &psd, &even, &odd, &acq, &optics); err != nil {
			return nil, err
		}
		m.ID = m.MovieID
		m.MovieFile = movieFile.String
		m.PlotGlobal = plot.String
		m.Thumbnail = thumb.String
		m.PSD = psd.String
		m.EvenFile = even.String
		m.OddFile = odd.String
		if acq.Valid {
			_ = json.Unmarshal([]byte(acq.String), &m.Acquisition)
		}
		if optics.Valid {
			_ = json.Unmarshal([]byte(optics.String), &m.OpticsGroup)
		}
		mics = append(mics, m)
	}
	return mics, rows.Err()
}

// RecordShifts stores the global shifts of a movie starting at frame first.
func (s *Store) RecordShifts(runID string, movieID, first int, xs, ys []float64) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM shifts WHERE run_id=? AND movie_id=?;`, runID, movieID); err != nil {
		tx.Rollback()
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO shifts (run_id, movie_id, frame, shift_x, shift_y) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i := range xs {
		if i >= len(ys) {
			break
		}
		if _, err := stmt.Exec(runID, movieID, first+i, xs[i], ys[i]); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Shifts returns the first frame and the global shifts of a movie.
func (s *Store) Shifts(runID string, movieID int) (int, []float64, []float64, error) {
	if s == nil {
		return 0, nil, nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame, shift_x, shift_y FROM shifts WHERE run_id=? AND movie_id=? ORDER BY frame;`, runID, movieID)
	if err != nil {
		return 0, nil, nil, err
	}
	defer rows.Close()
	first := 0
	var xs, ys []float64
	for rows.Next() {
		var frame int
		var x, y float64
		if err := rows.Scan(&frame, &x, &y); err != nil {
			return 0, nil, nil, err
		}
		if len(xs) == 0 {
			first = frame
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if len(xs) == 0 {
		return 0, nil, nil, sql.ErrNoRows
	}
	return first, xs, ys, rows.Err()
}

// RunStats counts the movies, batches and outputs of a run.
func (s *Store) RunStats(runID string) (RunStats, error) {
	if s == nil {
		return RunStats{}, errors.New("store not initialized")
	}
	var st RunStats
	err := s.DB.QueryRow(`SELECT COUNT(*),
            COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END), 0)
        FROM movies WHERE run_id=?;`, MovieDone, MovieFailed, runID).Scan(&st.Movies, &st.Done, &st.Failed)
	if err != nil {
		return st, err
	}
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM batches WHERE run_id=?;`, runID).Scan(&st.Batches); err != nil {
		return st, err
	}
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM micrographs WHERE run_id=?;`, runID).Scan(&st.Micrographs); err != nil {
		return st, err
	}
	return st, nil
}
