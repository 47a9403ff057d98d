package datasource

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
)

// DatasourceAdapterFactory creates adapters from the registry.
type DatasourceAdapterFactory interface {
	NewConnectionTester(ctx context.Context, dsType string, config map[string]any, sessionID string) (ConnectionTester, error)
	NewSchemaDiscoverer(ctx context.Context, dsType string, config map[string]any, sessionID string) (SchemaDiscoverer, error)
	NewQueryExecutor(ctx context.Context, dsType string, config map[string]any, sessionID string) (QueryExecutor, error)

	// Release closes the session's pooled connection.
	Release(sessionID string)

	// ListTypes returns info for all registered adapter types.
	ListTypes() []DatasourceAdapterInfo
}

type registryFactory struct {
	connMgr *ConnectionManager
}

// NewDatasourceAdapterFactory returns a factory that uses the global registry.
func NewDatasourceAdapterFactory(connMgr *ConnectionManager) DatasourceAdapterFactory {
	return &registryFactory{connMgr: connMgr}
}

func (f *registryFactory) lookup(dsType string) (DatasourceAdapterRegistration, error) {
	reg, ok := GetRegistration(dsType)
	if !ok {
		return reg, fmt.Errorf("%w: %s (not compiled in)", apperrors.ErrUnsupportedDatasource, dsType)
	}
	return reg, nil
}

func (f *registryFactory) NewConnectionTester(ctx context.Context, dsType string, config map[string]any, sessionID string) (ConnectionTester, error) {
	reg, err := f.lookup(dsType)
	if err != nil {
		return nil, err
	}
	return reg.Factory(ctx, config, f.connMgr, sessionID)
}

func (f *registryFactory) NewSchemaDiscoverer(ctx context.Context, dsType string, config map[string]any, sessionID string) (SchemaDiscoverer, error) {
	reg, err := f.lookup(dsType)
	if err != nil {
		return nil, err
	}
	if reg.SchemaDiscovererFactory == nil {
		return nil, fmt.Errorf("schema discovery not supported for type: %s", dsType)
	}
	return reg.SchemaDiscovererFactory(ctx, config, f.connMgr, sessionID)
}

func (f *registryFactory) NewQueryExecutor(ctx context.Context, dsType string, config map[string]any, sessionID string) (QueryExecutor, error) {
	reg, err := f.lookup(dsType)
	if err != nil {
		return nil, err
	}
	if reg.QueryExecutorFactory == nil {
		return nil, fmt.Errorf("query execution not supported for type: %s", dsType)
	}
	return reg.QueryExecutorFactory(ctx, config, f.connMgr, sessionID)
}

func (f *registryFactory) Release(sessionID string) {
	if f.connMgr != nil {
		f.connMgr.Release(sessionID)
	}
}

func (f *registryFactory) ListTypes() []DatasourceAdapterInfo {
	return RegisteredAdapters()
}

var _ DatasourceAdapterFactory = (*registryFactory)(nil)
