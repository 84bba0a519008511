// Package setdb writes the sqlite set files a host framework imports: one
// Properties table with set-level values, a Classes table describing the
// columns and one Objects row per item.
package setdb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"motioncorr/internal/movies"
)

// Kind selects the column layout of a set.
type Kind string

const (
	Micrographs Kind = "SetOfMicrographs"
	Movies      Kind = "SetOfMovies"
)

// Stream states stored under the _streamState property.
const (
	StreamOpen   = "open"
	StreamClosed = "closed"
)

// Column is one Objects column: its attribute label and value class.
type Column struct {
	Label string
	Class string
}

var layouts = map[Kind][]Column{
	Micrographs: {
		{"_filename", "String"},
		{"_micName", "String"},
		{"_samplingRate", "Float"},
		{"_doseWeighted", "Boolean"},
		{"_rlnAccumMotionTotal", "Float"},
		{"_rlnAccumMotionEarly", "Float"},
		{"_rlnAccumMotionLate", "Float"},
		{"_plotGlobal._filename", "String"},
		{"_thumbnail._filename", "String"},
		{"_psdFile", "String"},
		{"_oddEvenFilenames", "CsvList"},
		{"_rlnOpticsGroupName", "String"},
		{"_rlnOpticsGroup", "Integer"},
		{"_rlnMicrographOriginalPixelSize", "Float"},
		{"_rlnMtfFileName", "String"},
	},
	Movies: {
		{"_filename", "String"},
		{"_micName", "String"},
		{"_framesRange", "CsvList"},
		{"_tsId", "String"},
		{"_acquisitionOrder", "Integer"},
		{"_tiltAngle", "Float"},
		{"_alignment._first", "Integer"},
		{"_alignment._last", "Integer"},
		{"_alignment._xshifts", "CsvList"},
		{"_alignment._yshifts", "CsvList"},
	},
}

// Columns returns the layout of kind.
func Columns(kind Kind) []Column {
	return append([]Column(nil), layouts[kind]...)
}

// Row is one item: its id, label and values in column order.
type Row struct {
	ID     int
	Label  string
	Values []any
}

// Properties are set-level key/value pairs.
type Properties map[string]string

// SetProperties builds the properties shared by every set of a run.
func SetProperties(samplingRate float64, acq movies.Acquisition, state string) Properties {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return Properties{
		"_samplingRate":                     f(samplingRate),
		"_streamState":                      state,
		"_acquisition._voltage":             f(acq.Voltage),
		"_acquisition._sphericalAberration": f(acq.SphericalAberration),
		"_acquisition._amplitudeContrast":   f(acq.AmplitudeContrast),
		"_acquisition._magnification":       f(acq.Magnification),
		"_acquisition._doseInitial":         f(acq.DoseInitial),
		"_acquisition._dosePerFrame":        f(acq.DosePerFrame),
	}
}

// SetFile is an open set file.
type SetFile struct {
	path string
	kind Kind
	db   *sql.DB
}

// Create writes a new, empty set file at path, replacing any existing one.
func Create(path string, kind Kind, props Properties) (*SetFile, error) {
	cols, ok := layouts[kind]
	if !ok {
		return nil, fmt.Errorf("unknown set kind %q", kind)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open set %s: %w", path, err)
	}
	sf := &SetFile{path: path, kind: kind, db: db}
	if err := sf.init(cols, props); err != nil {
		db.Close()
		return nil, err
	}
	return sf, nil
}

// Open opens an existing set file for appending.
func Open(path string) (*SetFile, error) {
	return open(path, path)
}

// OpenReadOnly opens a set file without write access.
func OpenReadOnly(path string) (*SetFile, error) {
	return open(path, fmt.Sprintf("file:%s?mode=ro", path))
}

func open(path, dsn string) (*SetFile, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("set file not found at %s", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open set %s: %w", path, err)
	}
	var class string
	if err := db.QueryRow(`SELECT value FROM Properties WHERE key='self';`).Scan(&class); err != nil {
		db.Close()
		return nil, fmt.Errorf("read set class of %s: %w", path, err)
	}
	return &SetFile{path: path, kind: Kind(class), db: db}, nil
}

func (sf *SetFile) init(cols []Column, props Properties) error {
	defs := make([]string, len(cols))
	for i := range cols {
		defs[i] = fmt.Sprintf("c%02d", i+1)
	}
	stmts := []string{
		`CREATE TABLE Properties (key TEXT UNIQUE, value TEXT DEFAULT NULL);`,
		`CREATE TABLE Classes (id INTEGER PRIMARY KEY AUTOINCREMENT, label_property TEXT UNIQUE, column_name TEXT UNIQUE, class_name TEXT DEFAULT NULL);`,
		`CREATE TABLE Objects (id INTEGER PRIMARY KEY, enabled INTEGER DEFAULT 1, label TEXT DEFAULT NULL, comment TEXT DEFAULT NULL, creation DATE, ` +
			strings.Join(defs, " DEFAULT NULL, ") + ` DEFAULT NULL);`,
	}
	for _, stmt := range stmts {
		if _, err := sf.db.Exec(stmt); err != nil {
			return fmt.Errorf("create set schema: %w", err)
		}
	}
	if _, err := sf.db.Exec(`INSERT INTO Classes (label_property, column_name, class_name) VALUES ('self', 'self', ?);`, string(sf.kind)); err != nil {
		return err
	}
	for i, c := range cols {
		if _, err := sf.db.Exec(`INSERT INTO Classes (label_property, column_name, class_name) VALUES (?, ?, ?);`, c.Label, defs[i], c.Class); err != nil {
			return err
		}
	}
	all := Properties{"self": string(sf.kind)}
	for k, v := range props {
		all[k] = v
	}
	return sf.SetProperties(all)
}

// Close closes the set file.
func (sf *SetFile) Close() error {
	if sf == nil || sf.db == nil {
		return nil
	}
	return sf.db.Close()
}

// Kind is the set class.
func (sf *SetFile) Kind() Kind { return sf.kind }

// SetProperties upserts set properties.
func (sf *SetFile) SetProperties(props Properties) error {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := sf.db.Exec(`INSERT OR REPLACE INTO Properties (key, value) VALUES (?, ?);`, k, props[k]); err != nil {
			return fmt.Errorf("set property %s: %w", k, err)
		}
	}
	return nil
}

// Properties reads every set property.
func (sf *SetFile) Properties() (Properties, error) {
	rows, err := sf.db.Query(`SELECT key, value FROM Properties;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	props := Properties{}
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		props[k] = v.String
	}
	return props, rows.Err()
}

// Append inserts or replaces rows in one transaction.
func (sf *SetFile) Append(rows ...Row) error {
	cols := layouts[sf.kind]
	if len(cols) == 0 {
		return fmt.Errorf("unknown set kind %q", sf.kind)
	}
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i := range cols {
		names[i] = fmt.Sprintf("c%02d", i+1)
		marks[i] = "?"
	}
	query := `INSERT OR REPLACE INTO Objects (id, enabled, label, creation, ` + strings.Join(names, ", ") +
		`) VALUES (?, 1, ?, datetime('now'), ` + strings.Join(marks, ", ") + `);`

	tx, err := sf.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if len(r.Values) != len(cols) {
			tx.Rollback()
			return fmt.Errorf("row %d has %d values, want %d", r.ID, len(r.Values), len(cols))
		}
		args := append([]any{r.ID, r.Label}, r.Values...)
		if _, err := stmt.Exec(args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert row %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Size counts the items of the set.
func (sf *SetFile) Size() (int, error) {
	var n int
	err := sf.db.QueryRow(`SELECT COUNT(*) FROM Objects;`).Scan(&n)
	return n, err
}

// Values returns the value of column label for every item, by id.
func (sf *SetFile) Values(label string) (map[int]string, error) {
	var col string
	err := sf.db.QueryRow(`SELECT column_name FROM Classes WHERE label_property=?;`, label).Scan(&col)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("set has no column %s", label)
	}
	if err != nil {
		return nil, err
	}
	rows, err := sf.db.Query(fmt.Sprintf(`SELECT id, %s FROM Objects ORDER BY id;`, col))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]string{}
	for rows.Next() {
		var id int
		var v sql.NullString
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[id] = v.String
	}
	return out, rows.Err()
}

// WriteSet creates a set file holding rows.
func WriteSet(path string, kind Kind, props Properties, rows []Row) error {
	sf, err := Create(path, kind, props)
	if err != nil {
		return err
	}
	if err := sf.Append(rows...); err != nil {
		sf.Close()
		return err
	}
	return sf.Close()
}

// AppendItems adds rows to an existing set file, creating it with props
// when missing.
func AppendItems(path string, kind Kind, props Properties, rows []Row) error {
	var (
		sf  *SetFile
		err error
	)
	if _, statErr := os.Stat(path); statErr == nil {
		sf, err = Open(path)
	} else {
		sf, err = Create(path, kind, props)
	}
	if err != nil {
		return err
	}
	if sf.kind != kind {
		sf.Close()
		return fmt.Errorf("%s holds a %s, not a %s", path, sf.kind, kind)
	}
	if err := sf.Append(rows...); err != nil {
		sf.Close()
		return err
	}
	return sf.Close()
}

// SetStreamState marks a set file open or closed.
func SetStreamState(path, state string) error {
	sf, err := Open(path)
	if err != nil {
		return err
	}
	if err := sf.SetProperties(Properties{"_streamState": state}); err != nil {
		sf.Close()
		return err
	}
	return sf.Close()
}

func csvFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// MicrographRow maps a micrograph onto the micrograph layout.
func MicrographRow(m movies.Micrograph) Row {
	var oddEven string
	if m.EvenFile != "" || m.OddFile != "" {
		oddEven = m.EvenFile + "," + m.OddFile
	}
	return Row{
		ID:    m.ID,
		Label: m.MovieFile,
		Values: []any{
			m.FileName, micName(m.MovieFile), m.SamplingRate, m.DoseWeighted,
			m.MotionTotal, m.MotionEarly, m.MotionLate,
			m.PlotGlobal, m.Thumbnail, m.PSD, oddEven,
			m.OpticsGroup.Name, m.OpticsGroup.Number, m.OpticsGroup.OriginalPixelSize, m.OpticsGroup.MTFFile,
		},
	}
}

// MovieRow maps a movie onto the movie layout.
func MovieRow(m *movies.Movie) Row {
	var first, last int
	var xs, ys string
	if m.Alignment != nil {
		first, last = m.Alignment.Range()
		xs = csvFloats(m.Alignment.XShifts)
		ys = csvFloats(m.Alignment.YShifts)
	}
	fr := fmt.Sprintf("%d,%d,%d", m.FramesRange.First, m.FramesRange.Last, m.FramesRange.Index)
	return Row{
		ID:    m.ID,
		Label: m.FileName,
		Values: []any{
			m.FileName, micName(m.FileName), fr, m.TsID, m.AcquisitionOrder, m.TiltAngle,
			first, last, xs, ys,
		},
	}
}

func micName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
