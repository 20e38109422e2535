package projection_test

import (
	"context"
	"testing"
	"time"

	"keyturn/internal/db"
	"keyturn/internal/domain"
	"keyturn/internal/migrate"
	"keyturn/internal/projection"
	"keyturn/internal/repo"
)

func newRepairEnv(t *testing.T) (repo.Repo, projection.Reconciler, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	rc := projection.NewReconciler(r, projection.NewWriter(r, 3))
	rc.Now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }
	return r, rc, context.Background()
}

func seedListing(t *testing.T, r repo.Repo, ctx context.Context, l domain.Listing) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertListing(ctx, tx, l); err != nil {
		t.Fatalf("insert listing: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileRebuildsLostSellerRow(t *testing.T) {
	r, rc, ctx := newRepairEnv(t)
	l := domain.Listing{
		ID: "lst-1", OwnerID: "seller-1", Title: "Sunny flat", Price: 250000,
		TransactionType: "sale", IsUnderPurchase: true,
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
	buyer := "buyer-1"
	l.ConfirmedBuyerID = &buyer
	l.BuyerConfirmed = true
	seedListing(t, r, ctx, l)

	// no projection rows exist yet; the sweep must create both
	changed, err := rc.ReconcileListing(ctx, l)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !changed {
		t.Fatalf("expected repair writes")
	}
	seller, err := r.GetSellerProjection(ctx, "seller-1", l.ID)
	if err != nil {
		t.Fatalf("seller row: %v", err)
	}
	if !seller.IsUnderPurchase || !seller.BuyerConfirmed {
		t.Fatalf("seller row not rebuilt: %+v", seller)
	}
	if _, err := r.GetBuyerProjection(ctx, "buyer-1", l.ID); err != nil {
		t.Fatalf("buyer row not rebuilt: %v", err)
	}

	// a second sweep finds nothing to do
	changed, err = rc.ReconcileListing(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatalf("expected converged state, got more writes")
	}
}

func TestReconcileRemovesStrayBuyerRow(t *testing.T) {
	r, rc, ctx := newRepairEnv(t)
	l := domain.Listing{
		ID: "lst-2", OwnerID: "seller-1", Title: "Loft", Price: 180000,
		TransactionType: "sale",
		CreatedAt:       "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
	seedListing(t, r, ctx, l)

	// a buyer row left behind by a cancel whose removal write was lost
	stray := domain.BuyerProjection{
		ListingID: l.ID, BuyerID: "buyer-9", OwnerID: "seller-1",
		Title: "Loft", Price: 180000,
		ConfirmedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
	if err := r.UpsertBuyerProjection(ctx, stray); err != nil {
		t.Fatal(err)
	}

	changed, err := rc.ReconcileListing(ctx, l)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !changed {
		t.Fatalf("expected stray row removal")
	}
	if _, err := r.GetBuyerProjection(ctx, "buyer-9", l.ID); err == nil {
		t.Fatalf("stray buyer row still present")
	}
}

func TestReconcileRemovesAllStrayBuyerRowsInOnePass(t *testing.T) {
	r, rc, ctx := newRepairEnv(t)
	l := domain.Listing{
		ID: "lst-3", OwnerID: "seller-1", Title: "Townhouse", Price: 320000,
		TransactionType: "sale",
		CreatedAt:       "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
	seedListing(t, r, ctx, l)
	if err := r.UpsertSellerProjection(ctx, *projection.SellerRow(l, l.UpdatedAt)); err != nil {
		t.Fatal(err)
	}

	for _, buyerID := range []string{"buyer-7", "buyer-8"} {
		stray := domain.BuyerProjection{
			ListingID: l.ID, BuyerID: buyerID, OwnerID: "seller-1",
			Title: "Townhouse", Price: 320000,
			ConfirmedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
		}
		if err := r.UpsertBuyerProjection(ctx, stray); err != nil {
			t.Fatal(err)
		}
	}

	changed, err := rc.ReconcileListing(ctx, l)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !changed {
		t.Fatalf("expected stray row removals")
	}
	rows, err := r.ListBuyerProjectionsForListing(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected every stray buyer row gone after one sweep, %d left", len(rows))
	}

	changed, err = rc.ReconcileListing(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatalf("expected converged state, got more writes")
	}
}

func TestReconcileAllCountsRepairs(t *testing.T) {
	r, rc, ctx := newRepairEnv(t)
	for _, id := range []string{"lst-a", "lst-b"} {
		seedListing(t, r, ctx, domain.Listing{
			ID: id, OwnerID: "seller-1", Title: id, TransactionType: "sale",
			CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
		})
	}
	repaired, err := rc.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("reconcile all: %v", err)
	}
	if repaired != 2 {
		t.Fatalf("expected 2 repaired listings, got %d", repaired)
	}
}
