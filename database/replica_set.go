package database

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// IsReplicaSet reports whether the connected deployment is a replica set and
// therefore supports multi-document transactions.
func IsReplicaSet(client *mongo.Client) (bool, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.M{"hello": 1}).Decode(&result); err != nil {
		return false, "", err
	}
	if setName, ok := result["setName"].(string); ok && setName != "" {
		return true, setName, nil
	}
	return false, "", nil
}
