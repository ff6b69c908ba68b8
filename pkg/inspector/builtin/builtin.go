// Package builtin wires every in-tree engine into a registry. main calls
// RegisterBuiltin exactly once; nothing registers itself via init.
package builtin

import (
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/glue"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/hive"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/mysql"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/postgres"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/redshift"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/sqlserver"
)

// RegisterBuiltin registers all supported engines. Registration order does
// not matter.
func RegisterBuiltin(r *inspector.Registry) error {
	for _, register := range []func(*inspector.Registry) error{
		postgres.Register,
		mysql.Register,
		sqlserver.Register,
		redshift.Register,
		hive.Register,
		glue.Register,
	} {
		if err := register(r); err != nil {
			return err
		}
	}
	return nil
}
