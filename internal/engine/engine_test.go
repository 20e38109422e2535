package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"keyturn/internal/config"
	"keyturn/internal/db"
	"keyturn/internal/engine"
	"keyturn/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("coord-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustCreateListing(t *testing.T, env testEnv) string {
	t.Helper()
	l, err := env.Engine.CreateListing(env.Ctx, engine.ListingCreateOptions{
		Title:   "Sunny flat",
		OwnerID: "seller-1",
		Price:   250000,
		Address: "12 Harbour Rd",
		ActorID: "seller-1",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l.ID
}

func ackRequiredDocs(t *testing.T, env testEnv, listingID string) {
	t.Helper()
	for _, kind := range env.Engine.Config.Documents.Required {
		if _, err := env.Engine.AcknowledgeDocument(env.Ctx, listingID, kind, "", "seller-1"); err != nil {
			t.Fatalf("ack %s: %v", kind, err)
		}
	}
}

func TestPurchaseHappyPath(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)

	l, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !l.IsUnderPurchase || l.ConfirmedBuyerID == nil || *l.ConfirmedBuyerID != "buyer-1" {
		t.Fatalf("expected listing under purchase with buyer-1, got %+v", l)
	}

	l, err = env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1")
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if !l.BuyerConfirmed || !l.IsUnderPurchase {
		t.Fatalf("expected buyer confirmed under purchase, got %+v", l)
	}

	ackRequiredDocs(t, env, id)
	l, err = env.Engine.ConfirmDocumentsAsSeller(env.Ctx, id, "seller-1")
	if err != nil {
		t.Fatalf("docs confirm: %v", err)
	}
	if !l.SellerDocumentsConfirmed {
		t.Fatalf("expected documents confirmed")
	}

	l, err = env.Engine.ScheduleHandover(env.Ctx, id, "seller-1", "2024-02-01", "keys at the notary")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if l.HandoverDate == nil {
		t.Fatalf("expected handover date set")
	}

	l, err = env.Engine.CompleteHandover(env.Ctx, id, "seller-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !l.Sold {
		t.Fatalf("expected listing sold")
	}

	seller, err := env.Engine.Repo.GetSellerProjection(env.Ctx, "seller-1", id)
	if err != nil {
		t.Fatalf("seller projection: %v", err)
	}
	if !seller.Sold || !seller.SellerDocumentsConfirmed {
		t.Fatalf("seller projection stale: %+v", seller)
	}
	buyer, err := env.Engine.Repo.GetBuyerProjection(env.Ctx, "buyer-1", id)
	if err != nil {
		t.Fatalf("buyer projection: %v", err)
	}
	if buyer.Title != "Sunny flat" || buyer.Price != 250000 || !buyer.Sold {
		t.Fatalf("buyer projection stale: %+v", buyer)
	}
}

func TestProposeConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)

	var verr engine.ValidationError
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "seller-1", "seller-1"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error proposing owner as buyer, got %v", err)
	}

	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatalf("propose: %v", err)
	}
	var cerr engine.ConflictError
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-2", "seller-1"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict proposing second buyer, got %v", err)
	}
}

func TestConfirmAsBuyerIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}

	var cerr engine.ConflictError
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-2"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict for wrong caller, got %v", err)
	}

	first, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	second, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1")
	if err != nil {
		t.Fatalf("repeat confirm should be a no-op success: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("repeat confirm must not advance the version: %d != %d", second.Version, first.Version)
	}
}

func TestDocumentGate(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}

	// before the buyer confirms, documents confirmation is out of order
	var cerr engine.ConflictError
	if _, err := env.Engine.ConfirmDocumentsAsSeller(env.Ctx, id, "seller-1"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict before buyer confirmation, got %v", err)
	}
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1"); err != nil {
		t.Fatal(err)
	}

	var verr engine.ValidationError
	if _, err := env.Engine.ConfirmDocumentsAsSeller(env.Ctx, id, "seller-1"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error with unacknowledged documents, got %v", err)
	}
	if len(verr.Missing) != len(env.Engine.Config.Documents.Required) {
		t.Fatalf("expected all required kinds missing, got %v", verr.Missing)
	}

	if _, err := env.Engine.AcknowledgeDocument(env.Ctx, id, "parking.permit", "", "seller-1"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown kind, got %v", err)
	}

	ackRequiredDocs(t, env, id)
	if _, err := env.Engine.ConfirmDocumentsAsSeller(env.Ctx, id, "seller-1"); err != nil {
		t.Fatalf("docs confirm after acks: %v", err)
	}
}

func TestScheduleHandoverGate(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1"); err != nil {
		t.Fatal(err)
	}

	var cerr engine.ConflictError
	if _, err := env.Engine.ScheduleHandover(env.Ctx, id, "seller-1", "2024-02-01", ""); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict before documents confirmed, got %v", err)
	}

	ackRequiredDocs(t, env, id)
	if _, err := env.Engine.ConfirmDocumentsAsSeller(env.Ctx, id, "seller-1"); err != nil {
		t.Fatal(err)
	}

	var verr engine.ValidationError
	if _, err := env.Engine.ScheduleHandover(env.Ctx, id, "seller-1", "next tuesday", ""); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for bad date, got %v", err)
	}
	if _, err := env.Engine.ScheduleHandover(env.Ctx, id, "seller-1", "2024-02-01", "cellar keys too"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
}

func TestCancelRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1"); err != nil {
		t.Fatal(err)
	}
	ackRequiredDocs(t, env, id)
	if _, err := env.Engine.ConfirmDocumentsAsSeller(env.Ctx, id, "seller-1"); err != nil {
		t.Fatal(err)
	}

	l, err := env.Engine.Cancel(env.Ctx, id, "buyer", "buyer-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if l.IsUnderPurchase || l.ConfirmedBuyerID != nil || l.BuyerConfirmed || l.SellerDocumentsConfirmed || l.HandoverDate != nil {
		t.Fatalf("expected listing fully reset, got %+v", l)
	}
	if _, err := env.Engine.Repo.GetBuyerProjection(env.Ctx, "buyer-1", id); err == nil {
		t.Fatalf("expected buyer projection removed after cancel")
	}
	acks, err := env.Engine.Repo.ListDocumentAcks(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(acks) != 0 {
		t.Fatalf("expected document acks cleared, got %d", len(acks))
	}

	// repeated cancel is a no-op success
	if _, err := env.Engine.Cancel(env.Ctx, id, "seller", "seller-1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	// the listing is available again for a different buyer
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-2", "seller-1"); err != nil {
		t.Fatalf("re-propose after cancel: %v", err)
	}
}

func TestCancelAfterCompletion(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1"); err != nil {
		t.Fatal(err)
	}
	ackRequiredDocs(t, env, id)
	if _, err := env.Engine.ConfirmDocumentsAsSeller(env.Ctx, id, "seller-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ScheduleHandover(env.Ctx, id, "seller-1", "2024-02-01", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteHandover(env.Ctx, id, "seller-1"); err != nil {
		t.Fatal(err)
	}

	var cerr engine.ConflictError
	if _, err := env.Engine.Cancel(env.Ctx, id, "buyer", "buyer-1"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict cancelling a completed purchase, got %v", err)
	}

	var verr engine.ValidationError
	if _, err := env.Engine.Cancel(env.Ctx, id, "agent", "buyer-1"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for bad initiator, got %v", err)
	}
}

func TestCancelRequiresNamedParty(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1"); err != nil {
		t.Fatal(err)
	}

	var cerr engine.ConflictError
	if _, err := env.Engine.Cancel(env.Ctx, id, "buyer", "stranger-9"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict cancelling as a stranger, got %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, id, "seller", "buyer-1"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict cancelling as seller without being the owner, got %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, id, "buyer", "seller-1"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict cancelling as buyer without being the buyer, got %v", err)
	}

	// nothing changed, and the buyer's copy is intact
	l, err := env.Engine.Repo.GetListing(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !l.IsUnderPurchase || l.ConfirmedBuyerID == nil || *l.ConfirmedBuyerID != "buyer-1" {
		t.Fatalf("purchase state disturbed by rejected cancels: %+v", l)
	}
	if _, err := env.Engine.Repo.GetBuyerProjection(env.Ctx, "buyer-1", id); err != nil {
		t.Fatalf("buyer projection lost after rejected cancels: %v", err)
	}

	if _, err := env.Engine.Cancel(env.Ctx, id, "buyer", "buyer-1"); err != nil {
		t.Fatalf("legitimate cancel: %v", err)
	}
}

func TestChecklistTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)

	var cerr engine.ConflictError
	if _, err := env.Engine.AddChecklistItem(env.Ctx, id, "Roof", "", "seller-1"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict without a purchase in progress, got %v", err)
	}

	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.AddChecklistItem(env.Ctx, id, "Roof", "check tiles", "buyer-1")
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if item.CreatedBy != "buyer" || item.Status != "pending" {
		t.Fatalf("unexpected item %+v", item)
	}

	if _, err := env.Engine.AddChecklistItem(env.Ctx, id, "Roof again", "", "stranger"); !errors.As(err, &cerr) {
		t.Fatalf("expected conflict for non-party actor, got %v", err)
	}

	var verr engine.ValidationError
	if _, err := env.Engine.SetChecklistStatus(env.Ctx, item.ID, "done", "buyer-1"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for bad status, got %v", err)
	}

	item, err = env.Engine.SetChecklistStatus(env.Ctx, item.ID, "passed", "seller-1")
	if err != nil || item.Status != "passed" {
		t.Fatalf("settle item: %v", err)
	}

	var terr engine.InvalidTransitionError
	if _, err := env.Engine.SetChecklistStatus(env.Ctx, item.ID, "issue", "buyer-1"); !errors.As(err, &terr) {
		t.Fatalf("expected invalid transition resettling item, got %v", err)
	}
}

func TestDefectResolutionStampedOnce(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1"); err != nil {
		t.Fatal(err)
	}

	issue, err := env.Engine.ReportDefect(env.Ctx, engine.DefectReport{
		ListingID: id,
		Title:     "Leaking tap",
		Location:  "kitchen",
		ActorID:   "buyer-1",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if issue.ReportedBy != "buyer" || issue.Status != "pending" {
		t.Fatalf("unexpected issue %+v", issue)
	}

	if _, err := env.Engine.AdvanceDefect(env.Ctx, issue.ID, "in-progress", "seller-1"); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.AdvanceDefect(env.Ctx, issue.ID, "completed", "seller-1")
	if err != nil {
		t.Fatal(err)
	}
	if done.ResolvedAt == nil {
		t.Fatalf("expected resolved_at stamped on completion")
	}
	stamped := *done.ResolvedAt

	// moving backwards and completing again must not move the stamp
	if _, err := env.Engine.AdvanceDefect(env.Ctx, issue.ID, "verified", "buyer-1"); err != nil {
		t.Fatal(err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := env.Engine.AdvanceDefect(env.Ctx, issue.ID, "completed", "seller-1"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetDefectIssue(env.Ctx, issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ResolvedAt == nil || *got.ResolvedAt != stamped {
		t.Fatalf("resolved_at moved: %v != %v", got.ResolvedAt, stamped)
	}
}

func TestDefectChecklistLink(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.AddChecklistItem(env.Ctx, id, "Windows", "", "seller-1")
	if err != nil {
		t.Fatal(err)
	}

	other, err := env.Engine.CreateListing(env.Ctx, engine.ListingCreateOptions{
		Title: "Other house", OwnerID: "seller-1", ActorID: "seller-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	var verr engine.ValidationError
	_, err = env.Engine.ReportDefect(env.Ctx, engine.DefectReport{
		ListingID:       other.ID,
		Title:           "Cracked pane",
		ChecklistItemID: &item.ID,
		ActorID:         "seller-1",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for cross-listing item, got %v", err)
	}
}

func TestBuyerSnapshotSurvivesLaterEdits(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1"); err != nil {
		t.Fatal(err)
	}
	before, err := env.Engine.Repo.GetBuyerProjection(env.Ctx, "buyer-1", id)
	if err != nil {
		t.Fatal(err)
	}

	ackRequiredDocs(t, env, id)
	env.Engine.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := env.Engine.ConfirmDocumentsAsSeller(env.Ctx, id, "seller-1"); err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.Repo.GetBuyerProjection(env.Ctx, "buyer-1", id)
	if err != nil {
		t.Fatal(err)
	}
	if after.ConfirmedAt != before.ConfirmedAt {
		t.Fatalf("confirmed_at must not move on later updates: %s != %s", after.ConfirmedAt, before.ConfirmedAt)
	}
	if !after.SellerDocumentsConfirmed {
		t.Fatalf("expected buyer copy refreshed with documents flag")
	}
}

func TestEventsAppendedPerTransition(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateListing(t, env)
	if _, err := env.Engine.ProposeBuyer(env.Ctx, id, "buyer-1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmAsBuyer(env.Ctx, id, "buyer-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, id, "seller", "seller-1"); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, id, "")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	for _, want := range []string{"listing.created", "purchase.proposed", "purchase.buyer_confirmed", "purchase.cancelled"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
