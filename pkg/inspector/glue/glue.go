// Package glue implements the AWS Glue Data Catalog inspection engine.
//
// Glue is an HTTP API rather than a SQL endpoint: databases and tables are
// fetched with paginated API calls and materialized, then sorted so the
// stream honors the same ordering contract as the SQL engines.
package glue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/glue"
	"github.com/aws/aws-sdk-go/service/glue/glueiface"

	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
)

// Kind is the registry identifier for this engine.
const Kind = "glue"

// RegionExtra selects the AWS region; CatalogIDExtra optionally pins the
// catalog to an account other than the credential owner's.
const (
	RegionExtra    = "region"
	CatalogIDExtra = "catalog_id"
)

// Register adds the glue factory to the registry.
func Register(r *inspector.Registry) error {
	return r.Register(Kind, Open)
}

type engine struct {
	client    glueiface.GlueAPI
	catalogID *string
}

var _ inspector.Engine = (*engine)(nil)

// Open builds a Glue client. Username and Password carry the AWS access key
// pair; the secret key is an opaque secret like any datastore password.
func Open(ctx context.Context, params inspector.ConnectParams) (inspector.Engine, error) {
	region := params.ExtraString(RegionExtra, "us-east-1")

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(params.Username, params.Password, ""),
	})
	if err != nil {
		return nil, &inspector.ConnectionError{Kind: Kind, Err: err}
	}

	e := &engine{client: glue.New(sess)}
	if catalogID := params.ExtraString(CatalogIDExtra, ""); catalogID != "" {
		e.catalogID = aws.String(catalogID)
	}
	return e, nil
}

// NewWithClient builds an engine around an existing Glue client, for tests.
func NewWithClient(client glueiface.GlueAPI, catalogID *string) inspector.Engine {
	return &engine{client: client, catalogID: catalogID}
}

func (e *engine) Kind() string { return Kind }

func (e *engine) Capabilities() inspector.Capabilities {
	return inspector.Capabilities{
		SupportsIndexes: false,
		SupportsViews:   true,
		SystemSchemas:   nil,
	}
}

// Close is a no-op; the Glue client holds no persistent connection.
func (e *engine) Close() error { return nil }

// Version returns a fixed identifier; the Glue API is unversioned from the
// caller's perspective.
func (e *engine) Version(ctx context.Context) (string, error) {
	return "aws-glue", nil
}

func (e *engine) VerifyConnection(ctx context.Context) error {
	input := &glue.GetDatabasesInput{
		CatalogId:  e.catalogID,
		MaxResults: aws.Int64(1),
	}
	if _, err := e.client.GetDatabasesWithContext(ctx, input); err != nil {
		return &inspector.ConnectionError{Kind: Kind, Err: err}
	}
	return nil
}

func (e *engine) SchemaNames(ctx context.Context) ([]string, error) {
	var names []string
	input := &glue.GetDatabasesInput{CatalogId: e.catalogID}

	err := e.client.GetDatabasesPagesWithContext(ctx, input,
		func(page *glue.GetDatabasesOutput, lastPage bool) bool {
			for _, db := range page.DatabaseList {
				names = append(names, aws.StringValue(db.Name))
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list glue databases: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

func (e *engine) TablesAndViews(ctx context.Context, schemas ...string) (*inspector.TableStream, error) {
	if len(schemas) == 0 {
		all, err := e.SchemaNames(ctx)
		if err != nil {
			return nil, err
		}
		schemas = all
	} else {
		schemas = append([]string(nil), schemas...)
		sort.Strings(schemas)
	}

	var entries []*inspector.TableEntry
	for _, schema := range schemas {
		input := &glue.GetTablesInput{
			CatalogId:    e.catalogID,
			DatabaseName: aws.String(schema),
		}

		err := e.client.GetTablesPagesWithContext(ctx, input,
			func(page *glue.GetTablesOutput, lastPage bool) bool {
				for _, table := range page.TableList {
					entries = append(entries, convertTable(schema, table))
				}
				return true
			})
		if err != nil {
			return nil, fmt.Errorf("failed to list glue tables in %q: %w", schema, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SchemaName != entries[j].SchemaName {
			return entries[i].SchemaName < entries[j].SchemaName
		}
		return entries[i].TableName < entries[j].TableName
	})
	return inspector.SliceStream(entries), nil
}

// convertTable maps one Glue table to a TableEntry. Partition keys follow
// the data columns with an ordinal offset, like Hive reports them.
func convertTable(schema string, table *glue.TableData) *inspector.TableEntry {
	name := aws.StringValue(table.Name)

	kind := "external"
	switch aws.StringValue(table.TableType) {
	case "VIRTUAL_VIEW":
		kind = "view"
	case "MANAGED_TABLE", "GOVERNED":
		kind = "table"
	}

	entry := &inspector.TableEntry{
		SchemaName: schema,
		SchemaRef:  schema,
		TableName:  name,
		Kind:       kind,
	}

	if table.StorageDescriptor != nil {
		for i, col := range table.StorageDescriptor.Columns {
			entry.Columns = append(entry.Columns, convertColumn(col, i+1))
		}
	}
	for i, col := range table.PartitionKeys {
		entry.Columns = append(entry.Columns, convertColumn(col, i+1001))
	}

	entry.TableRef = tableRef(schema, name, table, entry.Columns)
	return entry
}

// tableRef synthesizes the vendor ref by hashing the table's content. Glue
// has no stable table identifier, so the ref is built from properties that
// survive a rename: storage location, creation time and the column layout.
// A renamed table then still reconciles against its history by ref. Tables
// with no distinguishing content at all fall back to hashing the name.
func tableRef(schema, name string, table *glue.TableData, columns []inspector.ColumnEntry) string {
	parts := []string{schema}
	if table.StorageDescriptor != nil {
		if location := aws.StringValue(table.StorageDescriptor.Location); location != "" {
			parts = append(parts, location)
		}
	}
	if table.CreateTime != nil {
		parts = append(parts, table.CreateTime.UTC().Format(time.RFC3339))
	}
	for _, col := range columns {
		parts = append(parts, col.Name+":"+col.DataType)
	}
	if len(parts) == 1 {
		parts = append(parts, name)
	}
	return objectid.Content(parts...).String()
}

func convertColumn(col *glue.Column, ordinal int) inspector.ColumnEntry {
	entry := inspector.ColumnEntry{
		Name:     aws.StringValue(col.Name),
		Ordinal:  ordinal,
		DataType: aws.StringValue(col.Type),
		Nullable: true,
	}
	if comment := aws.StringValue(col.Comment); comment != "" {
		entry.Comment = &comment
	}
	return entry
}

// Indexes returns nothing; Glue has no index concept.
func (e *engine) Indexes(ctx context.Context, schemas ...string) ([]inspector.IndexEntry, error) {
	return []inspector.IndexEntry{}, nil
}
