//go:build integration

package query

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kamilkisiela/graphql-hive-sub003/pkg/chsql"
)

// TestClickHouseIntegration exercises the client against a live store.
// Run with: go test -tags=integration ./internal/query -v
func TestClickHouseIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	config := DefaultConnectionConfig()
	if addr := os.Getenv("CLICKHOUSE_ADDR"); addr != "" {
		config.Addr = addr
	}

	conn, err := Connect(ctx, config)
	if err != nil {
		t.Skipf("ClickHouse not available: %v", err)
	}
	client := NewClient(conn, Options{Logger: logger})
	defer client.Close()

	t.Run("QueryWithParameters", func(t *testing.T) {
		stmt, err := chsql.Build(
			"SELECT name FROM system.databases WHERE name IN ",
			chsql.Array([]string{"system", "default"}),
			" ORDER BY name",
		)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}

		names, err := Rows(ctx, client, stmt, QueryOptions{QueryID: "integration-databases"}, func(rows driver.Rows) ([]string, error) {
			var out []string
			for rows.Next() {
				var name string
				if err := rows.Scan(&name); err != nil {
					return nil, err
				}
				out = append(out, name)
			}
			return out, nil
		})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(names) != 2 {
			t.Errorf("names = %v, want [default system]", names)
		}
	})

	t.Run("InsertRoundTrip", func(t *testing.T) {
		ddl := `
			CREATE TABLE IF NOT EXISTS integration_insert_probe (
				id UInt64,
				label String
			) ENGINE = MergeTree() ORDER BY id
		`
		if err := conn.Exec(ctx, ddl); err != nil {
			t.Fatalf("creating probe table: %v", err)
		}
		defer conn.Exec(ctx, "DROP TABLE IF EXISTS integration_insert_probe")

		err := client.Insert(ctx, "INSERT INTO integration_insert_probe", func(batch driver.Batch) error {
			for i := uint64(0); i < 10; i++ {
				if err := batch.Append(i, "probe"); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		stmt, err := chsql.Build("SELECT count() FROM integration_insert_probe WHERE label = ", chsql.String("probe"))
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		counts, err := Rows(ctx, client, stmt, QueryOptions{QueryID: "integration-count"}, func(rows driver.Rows) ([]uint64, error) {
			var count uint64
			if rows.Next() {
				if err := rows.Scan(&count); err != nil {
					return nil, err
				}
			}
			return []uint64{count}, nil
		})
		if err != nil {
			t.Fatalf("count query failed: %v", err)
		}
		if counts[0] != 10 {
			t.Errorf("count = %d, want 10", counts[0])
		}
	})
}
