package postgres

import (
	"context"
	"fmt"

	"stockledger/internal/core/tenant"
)

// TxManagerFromContext returns the request-scoped *TxManager injected by the
// tenant middleware. Infrastructure code uses it for GetQuerier()/GetTx();
// domain code depends only on internal/core/tx.Manager.
func TxManagerFromContext(ctx context.Context) (*TxManager, error) {
	txm, err := tenant.GetTxManager(ctx)
	if err != nil {
		return nil, err
	}
	pgTxm, ok := txm.(*TxManager)
	if !ok || pgTxm == nil {
		return nil, fmt.Errorf("transaction manager in context has unexpected type: %T", txm)
	}
	return pgTxm, nil
}
