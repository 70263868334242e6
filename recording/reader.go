package recording

import (
	"database/sql"
	"fmt"
	"os"
)

// RouteCount counts records between one source and destination.
type RouteCount struct {
	Src   int32 `json:"src"`
	Dst   int32 `json:"dst"`
	Count int   `json:"count"`
}

// Summary aggregates a recorded SQLite database.
type Summary struct {
	Runs    []string       `json:"runs"`
	Total   int            `json:"total"`
	ByEvent map[string]int `json:"by_event"`
	ByCode  map[string]int `json:"by_code"`
	Routes  []RouteCount   `json:"routes"`
}

// Summarize reads a database written by SQLiteWriter.
func Summarize(path string) (Summary, error) {
	if _, err := os.Stat(path); err != nil {
		return Summary{}, fmt.Errorf("recording: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return Summary{}, fmt.Errorf("recording: %w", err)
	}
	defer db.Close()

	s := Summary{
		ByEvent: make(map[string]int),
		ByCode:  make(map[string]int),
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM traffic`).Scan(&s.Total); err != nil {
		return Summary{}, fmt.Errorf("recording: %w", err)
	}

	err = queryEach(db, `SELECT DISTINCT Run FROM traffic ORDER BY Run`,
		func(rows *sql.Rows) error {
			var run string
			if err := rows.Scan(&run); err != nil {
				return err
			}

			s.Runs = append(s.Runs, run)

			return nil
		})
	if err != nil {
		return Summary{}, err
	}

	err = queryEach(db, `SELECT Event, COUNT(*) FROM traffic GROUP BY Event`,
		countInto(s.ByEvent))
	if err != nil {
		return Summary{}, err
	}

	err = queryEach(db,
		`SELECT Code, COUNT(*) FROM traffic
		 WHERE Code != '' AND Code != 'none' GROUP BY Code`,
		countInto(s.ByCode))
	if err != nil {
		return Summary{}, err
	}

	err = queryEach(db,
		`SELECT Src, Dst, COUNT(*) FROM traffic
		 WHERE MsgID != 0 GROUP BY Src, Dst ORDER BY Src, Dst`,
		func(rows *sql.Rows) error {
			var rc RouteCount
			if err := rows.Scan(&rc.Src, &rc.Dst, &rc.Count); err != nil {
				return err
			}

			s.Routes = append(s.Routes, rc)

			return nil
		})
	if err != nil {
		return Summary{}, err
	}

	return s, nil
}

func countInto(dst map[string]int) func(*sql.Rows) error {
	return func(rows *sql.Rows) error {
		var (
			key   string
			count int
		)

		if err := rows.Scan(&key, &count); err != nil {
			return err
		}

		dst[key] = count

		return nil
	}
}

func queryEach(db *sql.DB, query string, each func(*sql.Rows) error) error {
	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := each(rows); err != nil {
			return fmt.Errorf("recording: %w", err)
		}
	}

	return rows.Err()
}
