package persistence

// Blank-importing both database/sql drivers here means a caller only
// has to pick a db.PoolConfig.DriverName ("postgres" or "sqlite3") to
// get a working SQLDB adapter, without separately wiring driver
// imports into their own binary.
import (
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)
