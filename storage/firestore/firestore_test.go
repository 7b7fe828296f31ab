//go:build integration

package firestore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/mihaimyh/goreferral/pkg/commission"
	"github.com/mihaimyh/goreferral/pkg/commission/storagetest"
)

const testProjectID = "test-project"

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("Skipping test: FIRESTORE_EMULATOR_HOST is not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns unique collection names for each test run
func testConfig(t *testing.T) Config {
	prefix := fmt.Sprintf("test_%s_%d", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
	return Config{
		RelationshipsCollection: prefix + "_relationships",
		OpenCollection:          prefix + "_open",
		CommissionsCollection:   prefix + "_commissions",
		EarningsCollection:      prefix + "_earnings",
		WithdrawalsCollection:   prefix + "_withdrawals",
	}
}

func cleanupFirestore(t *testing.T, client *firestore.Client, config Config) {
	t.Helper()
	ctx := context.Background()

	bw := client.BulkWriter(ctx)
	for _, coll := range []string{
		config.RelationshipsCollection,
		config.OpenCollection,
		config.CommissionsCollection,
		config.EarningsCollection,
		config.WithdrawalsCollection,
	} {
		docs, _ := client.Collection(coll).Documents(ctx).GetAll()
		for _, doc := range docs {
			_, _ = bw.Delete(doc.Ref)
		}
	}
	bw.End()
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupFirestoreClient(t)
	config := testConfig(t)

	storage, err := New(client, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { cleanupFirestore(t, client, config) })
	return storage
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) commission.Storage {
		return setupTestStorage(t)
	})
}

func TestStorage_Ping(t *testing.T) {
	storage := setupTestStorage(t)
	if err := storage.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestStorage_OpenMarkerReleasedOnCancel(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := storage.CreateRelationship(ctx, &commission.CreateRelationshipRequest{
		ID: uuid.NewString(), ReferrerID: "alice", ReferredUserID: "bob", Now: now,
	})
	if err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	res, err := storage.ActivateRelationship(ctx, &commission.ActivateRequest{
		ReferredUserID: "bob", SubscriptionID: "sub_1", Provider: "stripe",
		Now: now, WindowEnd: now.AddDate(1, 0, 0),
	})
	if err != nil || res.Outcome != commission.OutcomeApplied {
		t.Fatalf("ActivateRelationship: outcome=%v err=%v", res, err)
	}

	cancelled, err := storage.CancelRelationship(ctx, &commission.CancelRequest{ReferredUserID: "bob", Now: now.Add(time.Hour)})
	if err != nil || cancelled.Outcome != commission.OutcomeApplied {
		t.Fatalf("CancelRelationship: outcome=%v err=%v", cancelled, err)
	}

	snap, err := storage.openRef("bob").Get(ctx)
	if err == nil && snap.Exists() {
		t.Fatal("open marker must be removed once the relationship is cancelled")
	}

	_, err = storage.CreateRelationship(ctx, &commission.CreateRelationshipRequest{
		ID: uuid.NewString(), ReferrerID: "carol", ReferredUserID: "bob", Now: now.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("a cancelled relationship must not block a new one: %v", err)
	}
}

func TestStorage_KeysWithSlashes(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := storage.CreateRelationship(ctx, &commission.CreateRelationshipRequest{
		ID: uuid.NewString(), ReferrerID: "org/alice", ReferredUserID: "org/bob", Now: now,
	})
	if err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}

	rel, err := storage.GetRelationship(ctx, "org/bob")
	if err != nil {
		t.Fatalf("GetRelationship failed: %v", err)
	}
	if rel.ReferrerID != "org/alice" {
		t.Errorf("referrer: got %q", rel.ReferrerID)
	}

	e, err := storage.GetEarnings(ctx, "org/alice")
	if err != nil {
		t.Fatalf("GetEarnings failed: %v", err)
	}
	if e.TotalReferralsCount != 1 {
		t.Errorf("expected 1 referral, got %d", e.TotalReferralsCount)
	}
}
