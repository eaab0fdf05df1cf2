// Package dialect smooths over the differences between the sqlite3 and pgx
// drivers that sqlx's Rebind does not cover.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver speaks PostgreSQL.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the INTEGER columns both backends accept.
// Passing a Go bool directly breaks on postgres INTEGER columns.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
