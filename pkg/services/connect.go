package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/retry"
	"github.com/getmetamapper/metamapper-engine/pkg/tunnel"
)

// engineParams builds inspector connection parameters from a datastore and
// its decrypted password. The password only ever lives in this value; it is
// never written back to the model or logged.
func engineParams(ds *models.Datastore, password string) inspector.ConnectParams {
	return inspector.ConnectParams{
		Host:     ds.Host,
		Port:     ds.Port,
		Username: ds.Username,
		Password: password,
		Database: ds.Database,
		Extras:   ds.Extras,
	}
}

// withEngine opens the datastore's inspection engine and runs fn against it,
// guaranteeing the engine (and the SSH gateway, when one is used) is torn
// down afterwards. sshKey is the workspace's decrypted private key and is
// only consulted when the datastore has SSH enabled.
func withEngine(ctx context.Context, registry *inspector.Registry, ds *models.Datastore, password, sshKey string, logger *zap.Logger, fn func(ctx context.Context, eng inspector.Engine) error) error {
	params := engineParams(ds, password)

	open := func(p inspector.ConnectParams) error {
		// Transient dial failures retry with backoff; credential failures
		// and unsupported engines surface immediately.
		var eng inspector.Engine
		err := retry.DoIfRetryable(ctx, nil, func() error {
			var oerr error
			eng, oerr = registry.Open(ctx, ds.Engine, p)
			return oerr
		})
		if err != nil {
			return err
		}
		defer func() {
			if cerr := eng.Close(); cerr != nil {
				logger.Warn("Failed to close inspection engine",
					zap.String("engine", ds.Engine),
					zap.Error(cerr))
			}
		}()
		return fn(ctx, eng)
	}

	if !ds.SSHEnabled {
		return open(params)
	}

	cfg := tunnel.Config{
		SSHHost:    ds.SSHHost,
		SSHPort:    ds.SSHPort,
		SSHUser:    ds.SSHUser,
		PrivateKey: sshKey,
		Remote:     tunnel.Endpoint{Host: ds.Host, Port: ds.Port},
	}
	return tunnel.WithTunnel(ctx, cfg, logger, func(local tunnel.Endpoint) error {
		tunneled := params
		tunneled.Host = local.Host
		tunneled.Port = local.Port
		return open(tunneled)
	})
}
