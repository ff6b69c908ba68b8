package glue

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/glue"
	"github.com/aws/aws-sdk-go/service/glue/glueiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGlue pages through canned databases and tables.
type fakeGlue struct {
	glueiface.GlueAPI
	databases []string
	tables    map[string][]*glue.TableData
	verifyErr error
}

func (f *fakeGlue) GetDatabasesWithContext(ctx aws.Context, input *glue.GetDatabasesInput, opts ...request.Option) (*glue.GetDatabasesOutput, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &glue.GetDatabasesOutput{}, nil
}

func (f *fakeGlue) GetDatabasesPagesWithContext(ctx aws.Context, input *glue.GetDatabasesInput, fn func(*glue.GetDatabasesOutput, bool) bool, opts ...request.Option) error {
	// Two pages to exercise pagination.
	mid := len(f.databases) / 2
	pages := [][]string{f.databases[:mid], f.databases[mid:]}
	for i, page := range pages {
		out := &glue.GetDatabasesOutput{}
		for _, name := range page {
			out.DatabaseList = append(out.DatabaseList, &glue.Database{Name: aws.String(name)})
		}
		if !fn(out, i == len(pages)-1) {
			break
		}
	}
	return nil
}

func (f *fakeGlue) GetTablesPagesWithContext(ctx aws.Context, input *glue.GetTablesInput, fn func(*glue.GetTablesOutput, bool) bool, opts ...request.Option) error {
	tables := f.tables[aws.StringValue(input.DatabaseName)]
	fn(&glue.GetTablesOutput{TableList: tables}, true)
	return nil
}

func tableData(name, tableType string, columns ...string) *glue.TableData {
	td := &glue.TableData{
		Name:              aws.String(name),
		TableType:         aws.String(tableType),
		StorageDescriptor: &glue.StorageDescriptor{},
	}
	for _, col := range columns {
		td.StorageDescriptor.Columns = append(td.StorageDescriptor.Columns,
			&glue.Column{Name: aws.String(col), Type: aws.String("string")})
	}
	return td
}

func TestSchemaNames_SortedAcrossPages(t *testing.T) {
	e := NewWithClient(&fakeGlue{databases: []string{"sales", "analytics", "raw"}}, nil)

	names, err := e.SchemaNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics", "raw", "sales"}, names)
}

func TestTablesAndViews_OrderedStream(t *testing.T) {
	fake := &fakeGlue{
		databases: []string{"sales", "analytics"},
		tables: map[string][]*glue.TableData{
			"sales":     {tableData("orders", "EXTERNAL_TABLE", "id", "total")},
			"analytics": {tableData("events", "MANAGED_TABLE", "id"), tableData("daily", "VIRTUAL_VIEW", "day")},
		},
	}
	e := NewWithClient(fake, nil)

	stream, err := e.TablesAndViews(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	var got []string
	var kinds []string
	for {
		entry, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, entry.SchemaName+"."+entry.TableName)
		kinds = append(kinds, entry.Kind)
	}

	assert.Equal(t, []string{"analytics.daily", "analytics.events", "sales.orders"}, got)
	assert.Equal(t, []string{"view", "table", "external"}, kinds)
}

func TestTablesAndViews_PartitionKeysFollowColumns(t *testing.T) {
	td := tableData("events", "EXTERNAL_TABLE", "id", "payload")
	td.PartitionKeys = []*glue.Column{{Name: aws.String("dt"), Type: aws.String("string")}}

	fake := &fakeGlue{
		databases: []string{"raw"},
		tables:    map[string][]*glue.TableData{"raw": {td}},
	}
	e := NewWithClient(fake, nil)

	stream, err := e.TablesAndViews(context.Background(), "raw")
	require.NoError(t, err)
	defer stream.Close()

	entry, err := stream.Next()
	require.NoError(t, err)
	require.Len(t, entry.Columns, 3)
	assert.Equal(t, "dt", entry.Columns[2].Name)
	assert.Greater(t, entry.Columns[2].Ordinal, entry.Columns[1].Ordinal)
}

func TestConvertTable_RefSurvivesRename(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	build := func(name string) *glue.TableData {
		td := tableData(name, "EXTERNAL_TABLE", "id", "total")
		td.StorageDescriptor.Location = aws.String("s3://lake/orders/")
		td.CreateTime = aws.Time(created)
		return td
	}

	before := convertTable("sales", build("orders"))
	after := convertTable("sales", build("orders_v2"))

	// Same storage, creation time and columns: the ref holds across the
	// rename so the reconciler can match the table to its history.
	assert.NotEmpty(t, before.TableRef)
	assert.Equal(t, before.TableRef, after.TableRef)
}

func TestConvertTable_RefDistinguishesContent(t *testing.T) {
	created := aws.Time(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	orders := tableData("orders", "EXTERNAL_TABLE", "id", "total")
	orders.StorageDescriptor.Location = aws.String("s3://lake/orders/")
	orders.CreateTime = created

	events := tableData("events", "EXTERNAL_TABLE", "id", "payload")
	events.StorageDescriptor.Location = aws.String("s3://lake/events/")
	events.CreateTime = created

	a := convertTable("sales", orders)
	b := convertTable("sales", events)
	assert.NotEqual(t, a.TableRef, b.TableRef)

	// Identical input always hashes to the same ref.
	again := convertTable("sales", orders)
	assert.Equal(t, a.TableRef, again.TableRef)
}

func TestConvertTable_BareTableFallsBackToName(t *testing.T) {
	a := convertTable("sales", &glue.TableData{Name: aws.String("orders")})
	b := convertTable("sales", &glue.TableData{Name: aws.String("events")})

	assert.NotEmpty(t, a.TableRef)
	assert.NotEqual(t, a.TableRef, b.TableRef)
}

func TestVerifyConnection_WrapsFailures(t *testing.T) {
	e := NewWithClient(&fakeGlue{verifyErr: assert.AnError}, nil)

	err := e.VerifyConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "glue connection failed")
}
