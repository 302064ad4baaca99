package appsource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
)

// ProbeDeadline bounds how long a post-deploy database reachability
// check waits before giving up; the application container may still be
// starting when this probe first runs.
const ProbeDeadline = 60 * time.Second

// ProbeDatabase dials the application's declared database sidecar over
// the deployed host and confirms it accepts connections, the signal
// that the application container actually came up rather than just that
// the VM is reachable over SSH. mysql goes through database/sql plus its
// driver imported purely for its side-effecting registration; postgres
// goes directly through pgx, with no common abstraction layer over the
// two since their connection and ping semantics differ enough that one
// would just hide the other's errors.
func ProbeDatabase(ctx context.Context, engine, host string, port int, user, password, dbName string) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeDeadline)
	defer cancel()

	switch engine {
	case "mysql":
		return probeMySQL(ctx, host, port, user, password, dbName)
	case "postgres":
		return probePostgres(ctx, host, port, user, password, dbName)
	case "":
		return nil
	default:
		return fmt.Errorf("unsupported database engine %q", engine)
	}
}

func probeMySQL(ctx context.Context, host string, port int, user, password, dbName string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", user, password, host, port, dbName)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("opening mysql connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging mysql at %s:%d: %w", host, port, err)
	}
	return nil
}

func probePostgres(ctx context.Context, host string, port int, user, password, dbName string) error {
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, password, host, port, dbName)
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("connecting to postgres at %s:%d: %w", host, port, err)
	}
	defer conn.Close(ctx)

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging postgres at %s:%d: %w", host, port, err)
	}
	return nil
}
