package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// TxRunner runs fn so that all of its writes commit together when the
// deployment supports it.
type TxRunner interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type mongoTxRunner struct {
	client     *mongo.Client
	replicaSet bool
}

// NewTxRunner uses multi-document transactions on replica sets and runs fn
// directly on standalone servers, where transactions are unavailable.
func NewTxRunner(client *mongo.Client, replicaSet bool) TxRunner {
	return &mongoTxRunner{client: client, replicaSet: replicaSet}
}

func (t *mongoTxRunner) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !t.replicaSet {
		return fn(ctx)
	}

	session, err := t.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}
