package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"keyturn/internal/domain"
	"keyturn/internal/repo"
)

// Reconciler is the read-repair pass: it compares canonical workflow flags
// to the projection rows and rewrites any copy that diverged, closing the
// inconsistency window left by a crashed or exhausted fan-out.
type Reconciler struct {
	Repo   repo.Repo
	Writer Writer
	Now    func() time.Time
}

func NewReconciler(r repo.Repo, w Writer) Reconciler {
	return Reconciler{Repo: r, Writer: w, Now: time.Now}
}

func (rc Reconciler) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now()
}

// ReconcileListing repairs the projections of one listing. It reports
// whether any write was issued.
func (rc Reconciler) ReconcileListing(ctx context.Context, l domain.Listing) (bool, error) {
	nowStr := rc.now().UTC().Format(time.RFC3339)
	opID := "repair-" + uuid.New().String()
	delta := Delta{OpID: opID, ListingID: l.ID}

	seller, err := rc.Repo.GetSellerProjection(ctx, l.OwnerID, l.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if errors.Is(err, repo.ErrNotFound) || sellerDiverged(l, seller) {
		delta.Seller = SellerRow(l, nowStr)
	}

	buyers, err := rc.Repo.ListBuyerProjectionsForListing(ctx, l.ID)
	if err != nil {
		return false, err
	}
	if l.BuyerConfirmed && l.ConfirmedBuyerID != nil {
		buyerID := *l.ConfirmedBuyerID
		existing, ok := findBuyer(buyers, buyerID)
		if !ok {
			// Row lost before it was ever written; the original confirmation
			// time is gone, the listing's update time is the closest stand-in.
			delta.Buyer = BuyerRow(l, buyerID, l.UpdatedAt, nowStr)
		} else if buyerDiverged(l, existing) {
			delta.Buyer = BuyerRow(l, buyerID, existing.ConfirmedAt, nowStr)
		}
		for _, b := range buyers {
			if b.BuyerID != buyerID {
				delta.RemoveBuyerIDs = append(delta.RemoveBuyerIDs, b.BuyerID)
			}
		}
	} else {
		for _, b := range buyers {
			delta.RemoveBuyerIDs = append(delta.RemoveBuyerIDs, b.BuyerID)
		}
	}

	if delta.Seller == nil && delta.Buyer == nil && len(delta.RemoveBuyerIDs) == 0 {
		return false, nil
	}
	if err := rc.Writer.Apply(ctx, delta); err != nil {
		return true, fmt.Errorf("repair listing %s: %w", l.ID, err)
	}
	return true, nil
}

// ReconcileAll sweeps every listing and returns the number repaired.
func (rc Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	listings, err := rc.Repo.ListListings(ctx, repo.ListingFilters{})
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, l := range listings {
		changed, err := rc.ReconcileListing(ctx, l)
		if err != nil {
			return repaired, err
		}
		if changed {
			repaired++
		}
	}
	return repaired, nil
}

func sellerDiverged(l domain.Listing, p domain.SellerProjection) bool {
	return p.IsUnderPurchase != l.IsUnderPurchase ||
		p.BuyerConfirmed != l.BuyerConfirmed ||
		p.SellerDocumentsConfirmed != l.SellerDocumentsConfirmed ||
		p.Sold != l.Sold ||
		!equalOpt(p.HandoverDate, l.HandoverDate)
}

func buyerDiverged(l domain.Listing, p domain.BuyerProjection) bool {
	return p.SellerDocumentsConfirmed != l.SellerDocumentsConfirmed ||
		p.Sold != l.Sold ||
		!equalOpt(p.HandoverDate, l.HandoverDate) ||
		!equalOpt(p.HandoverNote, l.HandoverNote)
}

func findBuyer(buyers []domain.BuyerProjection, buyerID string) (domain.BuyerProjection, bool) {
	for _, b := range buyers {
		if b.BuyerID == buyerID {
			return b, true
		}
	}
	return domain.BuyerProjection{}, false
}

func equalOpt(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
