package db

import (
	"fmt"
	"net"
	"net/url"

	"github.com/smallbiznis/ticketstack/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect returns the driver for DATABASE_TYPE. Every DSN pins the session
// to UTC because sales windows are compared in the database.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "postgres":
		return postgres.Open(postgresDSN(cfg)), nil
	case "mysql":
		return mysql.Open(mysqlDSN(cfg)), nil
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func postgresDSN(cfg config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:   net.JoinHostPort(cfg.DBHost, cfg.DBPort),
		Path:   "/" + cfg.DBName,
		RawQuery: url.Values{
			"sslmode":  {cfg.DBSSLMode},
			"TimeZone": {"UTC"},
		}.Encode(),
	}
	return u.String()
}

func mysqlDSN(cfg config.Config) string {
	params := url.Values{
		"charset":   {"utf8mb4"},
		"parseTime": {"true"},
		"loc":       {"UTC"},
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?%s",
		cfg.DBUser, cfg.DBPassword, net.JoinHostPort(cfg.DBHost, cfg.DBPort), cfg.DBName, params.Encode())
}

// sqliteDSN waits on a busy writer instead of failing, and uses WAL so the
// ops readiness probe can read while the scheduler writes.
func sqliteDSN(cfg config.Config) string {
	path := cfg.DBPath
	if path == "" {
		path = "ticketstack.db"
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}
