//go:build integration

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
)

const testImage = "mysql:8.4"

func startMySQL(t *testing.T) inspector.ConnectParams {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        testImage,
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "root_password",
			"MYSQL_DATABASE":      "inventory",
			"MYSQL_USER":          "inspector",
			"MYSQL_PASSWORD":      "inspector_password",
		},
		WaitingFor: wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(120 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306")
	require.NoError(t, err)

	dsn := fmt.Sprintf("inspector:inspector_password@tcp(%s:%s)/inventory", host, port.Port())
	seed, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer seed.Close()

	_, err = seed.Exec(`
		CREATE TABLE widgets (
			id         INT PRIMARY KEY,
			sku        VARCHAR(120) NOT NULL,
			unit_price DECIMAL(10, 2),
			notes      TEXT
		)`)
	require.NoError(t, err)

	return inspector.ConnectParams{
		Host:     host,
		Port:     port.Int(),
		Username: "inspector",
		Password: "inspector_password",
		Database: "inventory",
	}
}

func TestTablesAndViews_MaxLengthFallsBackToPrecision(t *testing.T) {
	params := startMySQL(t)

	eng, err := Open(context.Background(), params)
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.VerifyConnection(context.Background()))

	stream, err := eng.TablesAndViews(context.Background(), "inventory")
	require.NoError(t, err)
	defer stream.Close()

	var widgets *inspector.TableEntry
	for {
		entry, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if entry.TableName == "widgets" {
			widgets = entry
		}
	}
	require.NotNil(t, widgets)
	assert.Equal(t, "inventory.widgets", widgets.TableRef)
	assert.Equal(t, "table", widgets.Kind)

	cols := make(map[string]inspector.ColumnEntry, len(widgets.Columns))
	for _, col := range widgets.Columns {
		cols[col.Name] = col
	}

	// Character columns report their character length.
	sku := cols["sku"]
	require.NotNil(t, sku.MaxLength)
	assert.EqualValues(t, 120, *sku.MaxLength)
	assert.Nil(t, sku.NumericScale)

	// Numeric columns have no character length; max_length falls back to
	// numeric precision.
	price := cols["unit_price"]
	require.NotNil(t, price.MaxLength)
	assert.EqualValues(t, 10, *price.MaxLength)
	require.NotNil(t, price.NumericScale)
	assert.EqualValues(t, 2, *price.NumericScale)

	assert.True(t, cols["id"].PrimaryKey)
}
