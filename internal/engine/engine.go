package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"keyturn/internal/collab"
	"keyturn/internal/config"
	"keyturn/internal/domain"
	"keyturn/internal/events"
	"keyturn/internal/notify"
	"keyturn/internal/projection"
	"keyturn/internal/repo"
)

// Engine coordinates the purchase workflow: it validates transitions against
// the canonical listing record, applies them, and fans the result out to the
// participant projections. Every mutating call takes the acting participant
// id explicitly; the engine holds no ambient caller state.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Projections projection.Writer
	Notifier    notify.Emitter
	Directory   collab.Directory
	Config      *config.Config
	Now         func() time.Time

	locks *listingLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	retry := 3
	if cfg != nil && cfg.Projections.RetryBudget > 0 {
		retry = cfg.Projections.RetryBudget
	}
	return Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{DB: db},
		Projections: projection.NewWriter(r, retry),
		Notifier:    notify.Nop{},
		Directory:   collab.StaticDirectory{},
		Config:      cfg,
		Now:         time.Now,
		locks:       newListingLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) emit(ctx context.Context, target string, payload notify.Payload) {
	if e.Notifier == nil || target == "" {
		return
	}
	e.Notifier.Emit(ctx, target, payload)
}

// ListingCreateOptions are parameters for registering a listing.
type ListingCreateOptions struct {
	ID              string
	OwnerID         string
	Title           string
	Description     string
	Price           int64
	TransactionType string
	Address         string
	MediaJSON       *string
	ActorID         string
}

// CreateListing registers a property in the Available state and seeds the
// seller's projection.
func (e Engine) CreateListing(ctx context.Context, opts ListingCreateOptions) (domain.Listing, error) {
	if opts.Title == "" {
		return domain.Listing{}, ValidationError{Reason: "title is required"}
	}
	if opts.OwnerID == "" {
		return domain.Listing{}, ValidationError{Reason: "owner_id is required"}
	}
	if opts.TransactionType == "" {
		opts.TransactionType = "sale"
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	l := domain.Listing{
		ID:              id,
		OwnerID:         opts.OwnerID,
		Title:           opts.Title,
		Description:     opts.Description,
		Price:           opts.Price,
		TransactionType: opts.TransactionType,
		Address:         opts.Address,
		MediaJSON:       opts.MediaJSON,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertListing(ctx, tx, l); err != nil {
		return domain.Listing{}, fmt.Errorf("insert listing: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "listing.created", l.ID, "listing", l.ID, opts.ActorID, events.EventPayload{"title": l.Title}); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	return l, e.fanOut(ctx, uuid.New().String(), l, nil, "")
}

// ProposeBuyer places the listing under purchase with the selected buyer.
// At most one buyer may be confirmed on a listing at a time.
func (e Engine) ProposeBuyer(ctx context.Context, listingID, buyerID, actorID string) (domain.Listing, error) {
	if buyerID == "" {
		return domain.Listing{}, ValidationError{Reason: "buyer_id is required"}
	}
	unlock := e.locks.lock(listingID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return l, err
	}
	if l.Sold {
		return l, ConflictError{Reason: "listing is already sold"}
	}
	if l.IsUnderPurchase {
		return l, ConflictError{Reason: "this listing already has a confirmed buyer"}
	}
	if buyerID == l.OwnerID {
		return l, ValidationError{Reason: "owner cannot be the buyer"}
	}
	readVersion := l.Version
	l.IsUnderPurchase = true
	l.ConfirmedBuyerID = &buyerID
	l.BuyerConfirmed = false
	l.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateListingCAS(ctx, tx, l, readVersion); err != nil {
		return l, casError(err)
	}
	if err := e.Events.Append(ctx, tx, "purchase.proposed", l.ID, "listing", l.ID, actorID, events.EventPayload{"buyer_id": buyerID}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Version = readVersion + 1
	return l, e.fanOut(ctx, uuid.New().String(), l, nil, "")
}

// ConfirmAsBuyer records the buyer's acceptance of the purchase offer and
// creates the buyer's projection from a snapshot of the listing. Calling it
// again once confirmed is a no-op success; the UI re-invokes on reconnect.
func (e Engine) ConfirmAsBuyer(ctx context.Context, listingID, callerID string) (domain.Listing, error) {
	unlock := e.locks.lock(listingID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return l, err
	}
	if !l.IsUnderPurchase || l.ConfirmedBuyerID == nil {
		return l, ConflictError{Reason: "no purchase in progress on this listing"}
	}
	if *l.ConfirmedBuyerID != callerID {
		return l, ConflictError{Reason: "caller is not the proposed buyer"}
	}
	if l.BuyerConfirmed {
		return l, nil
	}
	readVersion := l.Version
	now := e.nowStr()
	l.BuyerConfirmed = true
	l.UpdatedAt = now
	if err := e.Repo.UpdateListingCAS(ctx, tx, l, readVersion); err != nil {
		return l, casError(err)
	}
	if err := e.Events.Append(ctx, tx, "purchase.buyer_confirmed", l.ID, "listing", l.ID, callerID, events.EventPayload{"buyer_id": callerID}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Version = readVersion + 1
	buyer := projection.BuyerRow(l, callerID, now, now)
	return l, e.fanOut(ctx, uuid.New().String(), l, buyer, "")
}

// ConfirmDocumentsAsSeller marks the required-document checklist as
// confirmed. Every kind in the configured required set must already be
// acknowledged on the listing.
func (e Engine) ConfirmDocumentsAsSeller(ctx context.Context, listingID, callerID string) (domain.Listing, error) {
	unlock := e.locks.lock(listingID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return l, err
	}
	if l.OwnerID != callerID {
		return l, ConflictError{Reason: "caller is not the listing owner"}
	}
	if !l.IsUnderPurchase {
		return l, ConflictError{Reason: "no purchase in progress on this listing"}
	}
	if !l.BuyerConfirmed {
		return l, ConflictError{Reason: "buyer has not confirmed the purchase yet"}
	}
	if l.SellerDocumentsConfirmed {
		return l, nil
	}
	missing, err := e.missingDocuments(ctx, tx, l.ID)
	if err != nil {
		return l, err
	}
	if len(missing) > 0 {
		return l, ValidationError{Reason: "required documents not acknowledged", Missing: missing}
	}
	readVersion := l.Version
	l.SellerDocumentsConfirmed = true
	l.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateListingCAS(ctx, tx, l, readVersion); err != nil {
		return l, casError(err)
	}
	if err := e.Events.Append(ctx, tx, "purchase.documents_confirmed", l.ID, "listing", l.ID, callerID, events.EventPayload{}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Version = readVersion + 1
	ferr := e.fanOut(ctx, uuid.New().String(), l, e.buyerRowIfConfirmed(l), "")
	if l.ConfirmedBuyerID != nil {
		e.emit(ctx, *l.ConfirmedBuyerID, notify.Payload{
			"type":       "documents_confirmed",
			"listing_id": l.ID,
		})
	}
	return l, ferr
}

// ScheduleHandover sets the handover date once the seller has confirmed the
// documents, and notifies the buyer.
func (e Engine) ScheduleHandover(ctx context.Context, listingID, callerID, date, note string) (domain.Listing, error) {
	normalized, err := normalizeDate(date)
	if err != nil {
		return domain.Listing{}, err
	}
	unlock := e.locks.lock(listingID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return l, err
	}
	if l.OwnerID != callerID {
		return l, ConflictError{Reason: "caller is not the listing owner"}
	}
	if !l.SellerDocumentsConfirmed {
		return l, ConflictError{Reason: "documents must be confirmed before scheduling handover"}
	}
	readVersion := l.Version
	l.HandoverDate = &normalized
	if note != "" {
		l.HandoverNote = &note
	}
	l.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateListingCAS(ctx, tx, l, readVersion); err != nil {
		return l, casError(err)
	}
	if err := e.Events.Append(ctx, tx, "purchase.handover_scheduled", l.ID, "listing", l.ID, callerID, events.EventPayload{"date": normalized, "note": note}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Version = readVersion + 1
	ferr := e.fanOut(ctx, uuid.New().String(), l, e.buyerRowIfConfirmed(l), "")
	if l.ConfirmedBuyerID != nil {
		e.emit(ctx, *l.ConfirmedBuyerID, notify.Payload{
			"type":       "handover_scheduled",
			"listing_id": l.ID,
			"date":       normalized,
			"note":       note,
		})
	}
	return l, ferr
}

// CompleteHandover closes the purchase: the listing is marked sold and the
// workflow reaches its terminal state. Cancellation is no longer available
// afterwards.
func (e Engine) CompleteHandover(ctx context.Context, listingID, callerID string) (domain.Listing, error) {
	unlock := e.locks.lock(listingID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return l, err
	}
	if l.OwnerID != callerID {
		return l, ConflictError{Reason: "caller is not the listing owner"}
	}
	if l.Sold {
		return l, nil
	}
	if l.HandoverDate == nil {
		return l, ConflictError{Reason: "handover has not been scheduled"}
	}
	readVersion := l.Version
	l.Sold = true
	l.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateListingCAS(ctx, tx, l, readVersion); err != nil {
		return l, casError(err)
	}
	if err := e.Events.Append(ctx, tx, "purchase.completed", l.ID, "listing", l.ID, callerID, events.EventPayload{}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Version = readVersion + 1
	ferr := e.fanOut(ctx, uuid.New().String(), l, e.buyerRowIfConfirmed(l), "")
	if l.ConfirmedBuyerID != nil {
		e.emit(ctx, *l.ConfirmedBuyerID, notify.Payload{
			"type":       "handover_completed",
			"listing_id": l.ID,
		})
	}
	return l, ferr
}

// Cancel aborts the purchase and returns the listing to Available. It is the
// universal escape valve: callable by either party at any point before
// completion, idempotent, and safe to call twice.
func (e Engine) Cancel(ctx context.Context, listingID, initiator, actorID string) (domain.Listing, error) {
	if initiator != domain.PartyBuyer && initiator != domain.PartySeller {
		return domain.Listing{}, ValidationError{Reason: "initiator must be buyer or seller"}
	}
	unlock := e.locks.lock(listingID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return l, err
	}
	if l.Sold {
		return l, ConflictError{Reason: "purchase already completed"}
	}
	if !l.IsUnderPurchase {
		// Already Available; a repeated cancel is a no-op success.
		return l, nil
	}
	switch initiator {
	case domain.PartySeller:
		if actorID != l.OwnerID {
			return l, ConflictError{Reason: "only the owner cancels as seller"}
		}
	case domain.PartyBuyer:
		if l.ConfirmedBuyerID == nil || actorID != *l.ConfirmedBuyerID {
			return l, ConflictError{Reason: "only the proposed buyer cancels as buyer"}
		}
	}
	removedBuyer := ""
	if l.ConfirmedBuyerID != nil {
		removedBuyer = *l.ConfirmedBuyerID
	}
	readVersion := l.Version
	l.IsUnderPurchase = false
	l.ConfirmedBuyerID = nil
	l.BuyerConfirmed = false
	l.SellerDocumentsConfirmed = false
	l.HandoverDate = nil
	l.HandoverNote = nil
	l.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateListingCAS(ctx, tx, l, readVersion); err != nil {
		return l, casError(err)
	}
	// Acknowledgements belong to the cancelled purchase; a future buyer
	// starts from a clean document checklist.
	if err := e.Repo.DeleteDocumentAcks(ctx, tx, l.ID); err != nil {
		return l, err
	}
	if err := e.Events.Append(ctx, tx, "purchase.cancelled", l.ID, "listing", l.ID, actorID, events.EventPayload{"initiator": initiator}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Version = readVersion + 1
	return l, e.fanOut(ctx, uuid.New().String(), l, nil, removedBuyer)
}

func (e Engine) fanOut(ctx context.Context, opID string, l domain.Listing, buyer *domain.BuyerProjection, removeBuyerID string) error {
	now := e.nowStr()
	var removals []string
	if removeBuyerID != "" {
		removals = []string{removeBuyerID}
	}
	return e.Projections.Apply(ctx, projection.Delta{
		OpID:           opID,
		ListingID:      l.ID,
		Seller:         projection.SellerRow(l, now),
		Buyer:          buyer,
		RemoveBuyerIDs: removals,
	})
}

// buyerRowIfConfirmed derives the buyer projection update for transitions
// after buyer confirmation; nil when no buyer copy exists yet.
func (e Engine) buyerRowIfConfirmed(l domain.Listing) *domain.BuyerProjection {
	if !l.BuyerConfirmed || l.ConfirmedBuyerID == nil {
		return nil
	}
	now := e.nowStr()
	return projection.BuyerRow(l, *l.ConfirmedBuyerID, l.UpdatedAt, now)
}

func (e Engine) missingDocuments(ctx context.Context, tx *sql.Tx, listingID string) ([]string, error) {
	if e.Config == nil {
		return nil, nil
	}
	acked, err := e.Repo.AckedDocumentKindsTx(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, kind := range e.Config.Documents.Required {
		if !acked[kind] {
			missing = append(missing, kind)
		}
	}
	return missing, nil
}

// casError maps a version miss to a caller-visible conflict. Under the
// per-listing lock a miss should not happen; an out-of-band writer is still
// reported rather than silently overwritten.
func casError(err error) error {
	if errors.Is(err, repo.ErrVersionConflict) {
		return ConflictError{Reason: "listing was modified concurrently; retry"}
	}
	return err
}

func normalizeDate(date string) (string, error) {
	if date == "" {
		return "", ValidationError{Reason: "date is required"}
	}
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	return "", ValidationError{Reason: fmt.Sprintf("invalid date %q; use RFC3339 or YYYY-MM-DD", date)}
}
