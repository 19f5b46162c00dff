// Package sqldriver implements the Postgres tool driver on database/sql
// with the Bun pgdriver connector. Config shape, fully rendered by the
// pipeline:
//
//	kind: postgres
//	auth: "{{ keychain.pg_main }}"   # dsn string or {dsn: ...} map
//	command: SELECT ...              # single statement
//	args: [..]                       # optional positional arguments
//
// Queries return rows as a list of column-name maps; statements return the
// affected row count. Both shapes expose outcome.pg to policy guards.
package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/noetl/noetl/runtime/workflow/driver"
	"github.com/noetl/noetl/runtime/workflow/outcome"
)

type (
	// Options configures the Postgres driver.
	Options struct {
		// MaxOpenConns caps each pool. Defaults to 4.
		MaxOpenConns int
		// MaxRows bounds result sets read into memory. Defaults to 10000.
		MaxRows int
	}

	// Driver implements driver.Driver for kind "postgres". Connection pools
	// are cached per DSN so steps hitting the same database share one pool.
	Driver struct {
		maxConns int
		maxRows  int
		mu       sync.Mutex
		pools    map[string]*sql.DB
	}
)

// KindName is the task kind this driver serves.
const KindName = "postgres"

var _ driver.Driver = (*Driver)(nil)

// New returns a Postgres driver.
func New(opts Options) *Driver {
	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 4
	}
	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &Driver{maxConns: maxConns, maxRows: maxRows, pools: make(map[string]*sql.DB)}
}

// Kind implements driver.Driver.
func (*Driver) Kind() string { return KindName }

// Execute implements driver.Driver.
func (d *Driver) Execute(ctx context.Context, req *driver.Request) (*outcome.Outcome, error) {
	start := time.Now()
	meta := func() outcome.Meta {
		return outcome.Meta{
			Attempt:    req.Attempt,
			DurationMS: time.Since(start).Milliseconds(),
			TS:         time.Now().UTC(),
		}
	}
	fail := func(retryable bool, format string, args ...any) (*outcome.Outcome, error) {
		return outcome.Fail(&outcome.Error{
			Kind:      outcome.KindPG,
			Retryable: retryable,
			Message:   fmt.Sprintf(format, args...),
		}, meta()), nil
	}

	command, _ := req.Config["command"].(string)
	if command == "" {
		command, _ = req.Config["sql"].(string)
	}
	if command == "" {
		return fail(false, "command is required")
	}
	dsn, err := resolveDSN(req.Config["auth"])
	if err != nil {
		return fail(false, "%v", err)
	}
	args := positionalArgs(req.Config["args"])

	db := d.pool(dsn)
	if returnsRows(command) {
		rows, err := db.QueryContext(ctx, command, args...)
		if err != nil {
			return fail(transient(err), "query: %v", err)
		}
		defer rows.Close()
		result, err := d.collect(rows)
		if err != nil {
			return fail(false, "read rows: %v", err)
		}
		oc, err := driver.Finalize(ctx, req, result, meta())
		if err != nil {
			return nil, err
		}
		oc.SetBlock("pg", map[string]any{"rows": len(result)})
		return oc, nil
	}

	res, err := db.ExecContext(ctx, command, args...)
	if err != nil {
		return fail(transient(err), "exec: %v", err)
	}
	affected, _ := res.RowsAffected()
	oc := outcome.OK(map[string]any{"rows_affected": affected}, meta())
	oc.SetBlock("pg", map[string]any{"rows_affected": affected})
	return oc, nil
}

// Close closes all cached pools.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for dsn, db := range d.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(d.pools, dsn)
	}
	return errors.Join(errs...)
}

func (d *Driver) pool(dsn string) *sql.DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.pools[dsn]; ok {
		return db
	}
	db := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db.SetMaxOpenConns(d.maxConns)
	d.pools[dsn] = db
	return db
}

// collect reads rows into a list of column-name maps, bounded by maxRows.
func (d *Driver) collect(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, 16)
	values := make([]any, len(cols))
	scan := make([]any, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}
	for rows.Next() {
		if len(out) >= d.maxRows {
			return nil, fmt.Errorf("result exceeds %d rows", d.maxRows)
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// resolveDSN accepts the rendered auth value: either a DSN string or a map
// with a dsn key, typically sourced from the keychain.
func resolveDSN(auth any) (string, error) {
	switch v := auth.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if dsn, ok := v["dsn"].(string); ok && dsn != "" {
			return dsn, nil
		}
	}
	return "", errors.New("auth must provide a dsn")
}

func positionalArgs(v any) []any {
	args, _ := v.([]any)
	return args
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(command string) bool {
	head := strings.ToLower(strings.TrimSpace(command))
	return strings.HasPrefix(head, "select") ||
		strings.HasPrefix(head, "with") ||
		strings.HasPrefix(head, "show") ||
		strings.Contains(strings.ToLower(command), "returning")
}

// transient reports whether the error looks like a connectivity failure a
// retry may fix, as opposed to a statement error.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		// Class 08 is connection exceptions, class 57 operator intervention
		// (shutdown, crash recovery).
		code := pgerr.Field('C')
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57")
	}
	return true
}
