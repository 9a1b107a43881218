package topology

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
)

// DefaultNamesTable is the Postgres table read by LoadNameTableDatabase.
const DefaultNamesTable = "country_codes"

// CountryName is one row of the country reference table.
type CountryName struct {
	Numeric string
	Alpha2  string
	Alpha3  string
	Name    string
}

// NameTable maps ISO 3166 numeric codes to alpha codes.
type NameTable []CountryName

// LoadNameTableFile loads a name table from a CSV file.
// Expected format: numeric,alpha2[,alpha3[,name]] (e.g. "528,NL,NLD,Netherlands").
func LoadNameTableFile(path string) (NameTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := ParseNameTable(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log := logging.WithComponent("topology")
	log.Info().Str("path", path).Int("countries", len(table)).Msg("Loaded country name table")
	return table, nil
}

// ParseNameTable reads CSV rows. A header row is skipped when its first
// column is not numeric; malformed rows are skipped.
func ParseNameTable(r io.Reader) (NameTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var table NameTable
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return nil, err
		}
		if row, ok := parseNameRow(record); ok {
			table = append(table, row)
		}
	}

	if len(table) == 0 {
		return nil, ErrEmptyNameTable
	}
	return table, nil
}

func parseNameRow(record []string) (CountryName, bool) {
	if len(record) < 2 {
		return CountryName{}, false
	}
	numeric, ok := CanonicalNumeric(record[0])
	if !ok {
		return CountryName{}, false
	}
	alpha2 := strings.ToUpper(strings.TrimSpace(record[1]))
	if !isAlpha(alpha2, 2) {
		return CountryName{}, false
	}

	row := CountryName{Numeric: numeric, Alpha2: alpha2}
	if len(record) >= 3 {
		if alpha3 := strings.ToUpper(strings.TrimSpace(record[2])); isAlpha(alpha3, 3) {
			row.Alpha3 = alpha3
		}
	}
	if len(record) >= 4 {
		row.Name = strings.TrimSpace(record[3])
	}
	return row, true
}

// LoadNameTableDatabase loads a name table from Postgres.
// Schema: SELECT numeric_code, alpha2, alpha3, name FROM <table>.
func LoadNameTableDatabase(ctx context.Context, db *sql.DB, table string) (NameTable, error) {
	if table == "" {
		table = DefaultNamesTable
	}

	query := "SELECT numeric_code, alpha2, COALESCE(alpha3, ''), COALESCE(name, '') FROM " + table +
		" WHERE alpha2 IS NOT NULL AND alpha2 != ''"
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var names NameTable
	for rows.Next() {
		var numeric, alpha2, alpha3, name string
		if err := rows.Scan(&numeric, &alpha2, &alpha3, &name); err != nil {
			continue
		}
		if row, ok := parseNameRow([]string{numeric, alpha2, alpha3, name}); ok {
			names = append(names, row)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	if len(names) == 0 {
		return nil, ErrEmptyNameTable
	}

	log := logging.WithComponent("topology")
	log.Info().Str("table", table).Int("countries", len(names)).Msg("Loaded country name table")
	return names, nil
}

// CanonicalNumeric strips leading zeros so "004" and "4" compare equal.
func CanonicalNumeric(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return "", false
	}
	return strconv.FormatUint(n, 10), true
}

func isAlpha(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
