// Package projection fans canonical listing state out to the per-participant
// denormalized copies. The canonical record and the projection rows are
// independently addressed, so a transition is applied as a sequence of
// idempotent per-target writes keyed by (listing_id, op_id); there is no
// atomic commit across the set.
package projection

import (
	"context"
	"fmt"
	"strings"

	"keyturn/internal/domain"
)

// Targets of a fan-out write.
const (
	TargetSeller      = "seller"
	TargetBuyer       = "buyer"
	TargetBuyerRemove = "buyer-remove"
)

// Store is the projection write surface. Each call is one independent write.
type Store interface {
	UpsertSellerProjection(ctx context.Context, p domain.SellerProjection) error
	UpsertBuyerProjection(ctx context.Context, p domain.BuyerProjection) error
	DeleteBuyerProjection(ctx context.Context, listingID, buyerID string) error
}

// Delta is the projection work produced by one canonical transition.
// Seller is always present once a listing exists; Buyer is set when the
// buyer's copy must be created or refreshed; RemoveBuyerIDs lists the buyer
// copies that must be cleared (cancellation, or stray rows found by repair).
type Delta struct {
	OpID           string
	ListingID      string
	Seller         *domain.SellerProjection
	Buyer          *domain.BuyerProjection
	RemoveBuyerIDs []string
}

// PartialWriteError reports a fan-out where some targets failed after the
// retry budget was spent. The canonical record is already committed; callers
// may retry the failed targets or leave repair to the reconciler.
type PartialWriteError struct {
	ListingID string
	OpID      string
	Succeeded []string
	Failed    []string
	Errs      map[string]error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("projection fan-out for listing %s incomplete: failed targets [%s]",
		e.ListingID, strings.Join(e.Failed, ", "))
}

// Writer applies deltas with a bounded per-target retry.
type Writer struct {
	Store       Store
	RetryBudget int
}

func NewWriter(store Store, retryBudget int) Writer {
	if retryBudget <= 0 {
		retryBudget = 3
	}
	return Writer{Store: store, RetryBudget: retryBudget}
}

// Apply issues every write in the delta. All writes are attempted even when
// an earlier one fails, so a partial failure never silently drops a target.
// The returned error is a *PartialWriteError naming the targets that stuck.
func (w Writer) Apply(ctx context.Context, d Delta) error {
	perr := &PartialWriteError{
		ListingID: d.ListingID,
		OpID:      d.OpID,
		Errs:      map[string]error{},
	}
	if d.Seller != nil {
		seller := *d.Seller
		seller.LastOpID = d.OpID
		w.attempt(ctx, perr, TargetSeller, func() error {
			return w.Store.UpsertSellerProjection(ctx, seller)
		})
	}
	if d.Buyer != nil {
		buyer := *d.Buyer
		buyer.LastOpID = d.OpID
		w.attempt(ctx, perr, TargetBuyer, func() error {
			return w.Store.UpsertBuyerProjection(ctx, buyer)
		})
	}
	for _, buyerID := range d.RemoveBuyerIDs {
		w.attempt(ctx, perr, TargetBuyerRemove+":"+buyerID, func() error {
			return w.Store.DeleteBuyerProjection(ctx, d.ListingID, buyerID)
		})
	}
	if len(perr.Failed) > 0 {
		return perr
	}
	return nil
}

func (w Writer) attempt(ctx context.Context, perr *PartialWriteError, target string, write func() error) {
	var err error
	for i := 0; i < w.RetryBudget; i++ {
		if err = write(); err == nil {
			perr.Succeeded = append(perr.Succeeded, target)
			return
		}
		if ctx.Err() != nil {
			break
		}
	}
	perr.Failed = append(perr.Failed, target)
	perr.Errs[target] = err
}
