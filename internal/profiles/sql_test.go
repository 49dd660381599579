package profiles

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// routeDB is a database/sql driver standing in for the routing function.
// Each DSN names a table of canned rows; queries against it are recorded.
type routeDB struct {
	mu      sync.Mutex
	tables  map[string][][]driver.Value
	failing map[string]error
	queries []string
	args    [][]driver.NamedValue
}

var routes = &routeDB{tables: map[string][][]driver.Value{}, failing: map[string]error{}}

func init() {
	sql.Register("profiles-routes", routes)
}

func (d *routeDB) Open(dsn string) (driver.Conn, error) { return &routeConn{d: d, dsn: dsn}, nil }

type routeConn struct {
	d   *routeDB
	dsn string
}

func (c *routeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *routeConn) Close() error                        { return nil }
func (c *routeConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (c *routeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.queries = append(c.d.queries, query)
	c.d.args = append(c.d.args, args)
	if err := c.d.failing[c.dsn]; err != nil {
		return nil, err
	}
	return &routeRows{rows: c.d.tables[c.dsn]}, nil
}

type routeRows struct {
	rows [][]driver.Value
	i    int
}

func (r *routeRows) Columns() []string {
	return []string{"id", "destination", "next_hop", "resources", "disconnect_code_id",
		"aleg_override_id", "bleg_override_id", "time_limit", "ringing_timeout"}
}

func (r *routeRows) Close() error { return nil }

func (r *routeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.i])
	r.i++
	return nil
}

func openRoutes(t *testing.T, dsn string, rows [][]driver.Value, err error) *SQLSource {
	t.Helper()
	routes.mu.Lock()
	routes.tables[dsn] = rows
	routes.failing[dsn] = err
	routes.mu.Unlock()

	db, openErr := sql.Open("profiles-routes", dsn)
	if openErr != nil {
		t.Fatalf("open: %v", openErr)
	}
	t.Cleanup(func() { _ = db.Close() })
	src, srcErr := NewSQLSource(db, "switch20", "route_release", time.Second)
	if srcErr != nil {
		t.Fatalf("NewSQLSource: %v", srcErr)
	}
	return src
}

func lastArgs() []driver.NamedValue {
	routes.mu.Lock()
	defer routes.mu.Unlock()
	return routes.args[len(routes.args)-1]
}

func lastQuery() string {
	routes.mu.Lock()
	defer routes.mu.Unlock()
	return routes.queries[len(routes.queries)-1]
}

func TestSQLSource_LookupMapsRows(t *testing.T) {
	src := openRoutes(t, "ranked", [][]driver.Value{
		{int64(11), "sip:100@gw1.example.net", "10.0.0.1:5060", "1:10:30:1:next", nil, nil, int64(4), int64(3600), int64(30)},
		{int64(12), "sip:100@gw2.example.net", nil, nil, nil, int64(2), nil, nil, nil},
		{int64(13), nil, nil, nil, int64(8001), nil, nil, nil, nil},
	}, nil)

	req := Request{
		CallID: "c-1", RemoteIP: "192.0.2.10", RemotePort: 5060, LocalIP: "198.51.100.1", LocalPort: 5061,
		From: "sip:alice@a.example", To: "sip:100@b.example", RURI: "sip:100@198.51.100.1",
	}
	got, err := src.Lookup(context.Background(), req)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 profiles in database order, got %d", len(got))
	}

	first := got[0]
	if first.ID != 11 || first.Destination != "sip:100@gw1.example.net" || first.NextHop != "10.0.0.1:5060" {
		t.Fatalf("unexpected first profile %+v", first)
	}
	if len(first.Resources) != 1 || first.BLegOverrideID != 4 {
		t.Fatalf("unexpected resources/override on first profile %+v", first)
	}
	if first.TimeLimit != time.Hour || first.RingingTimeout != 30*time.Second {
		t.Fatalf("expected durations in seconds, got %v / %v", first.TimeLimit, first.RingingTimeout)
	}
	if got[1].ID != 12 || got[1].ALegOverrideID != 2 || len(got[1].Resources) != 0 || got[1].TimeLimit != 0 {
		t.Fatalf("expected NULL columns to map to zero values, got %+v", got[1])
	}
	if !got[2].IsRefusal() || got[2].RefuseCode != 8001 {
		t.Fatalf("expected refusal profile, got %+v", got[2])
	}

	if q := lastQuery(); !strings.Contains(q, "FROM switch20.route_release($1, $2, $3, $4, $5, $6, $7, $8)") {
		t.Fatalf("unexpected query %q", q)
	}
	want := []driver.Value{"192.0.2.10", int64(5060), "198.51.100.1", int64(5061),
		"sip:alice@a.example", "sip:100@b.example", "sip:100@198.51.100.1", "c-1"}
	args := lastArgs()
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d", len(want), len(args))
	}
	for i, a := range args {
		if a.Value != want[i] {
			t.Fatalf("arg $%d: expected %v, got %v", i+1, want[i], a.Value)
		}
	}
}

func TestSQLSource_LookupEmpty(t *testing.T) {
	src := openRoutes(t, "empty", nil, nil)
	if _, err := src.Lookup(context.Background(), Request{CallID: "c-2"}); !errors.Is(err, ErrNoProfiles) {
		t.Fatalf("expected ErrNoProfiles, got %v", err)
	}
}

func TestSQLSource_LookupErrors(t *testing.T) {
	down := errors.New("relation does not exist")
	src := openRoutes(t, "broken", nil, down)
	_, err := src.Lookup(context.Background(), Request{CallID: "c-3"})
	if !errors.Is(err, down) || !strings.HasPrefix(err.Error(), "profiles: lookup:") {
		t.Fatalf("expected wrapped query error, got %v", err)
	}

	src = openRoutes(t, "bad-row", [][]driver.Value{
		{int64(21), nil, nil, nil, nil, nil, nil, nil, nil},
	}, nil)
	if _, err := src.Lookup(context.Background(), Request{CallID: "c-4"}); err == nil || errors.Is(err, ErrNoProfiles) {
		t.Fatalf("expected invalid row to fail the lookup, got %v", err)
	}

	src = openRoutes(t, "bad-resources", [][]driver.Value{
		{int64(22), "sip:1@gw.example.net", nil, "not-a-resource", nil, nil, nil, nil, nil},
	}, nil)
	if _, err := src.Lookup(context.Background(), Request{CallID: "c-5"}); err == nil {
		t.Fatalf("expected malformed resource list to fail the lookup")
	}
}
