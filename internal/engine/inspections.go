package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"keyturn/internal/domain"
	"keyturn/internal/events"
)

// party resolves which side of the transaction the actor is on. Only the
// owner and the confirmed buyer take part in inspections and documents.
func party(l domain.Listing, actorID string) (string, error) {
	if actorID == l.OwnerID {
		return domain.PartySeller, nil
	}
	if l.ConfirmedBuyerID != nil && *l.ConfirmedBuyerID == actorID {
		return domain.PartyBuyer, nil
	}
	return "", ConflictError{Reason: "actor is not a party to this transaction"}
}

// AcknowledgeDocument records that a document of the given kind has been
// provided for the listing's current purchase. The kind must exist in the
// configured catalog. Re-acknowledging a kind refreshes the timestamp and
// note rather than adding a second row.
func (e Engine) AcknowledgeDocument(ctx context.Context, listingID, kind, note, actorID string) (domain.DocumentAck, error) {
	if e.Config != nil {
		if _, ok := e.Config.Documents.Catalog[kind]; !ok {
			return domain.DocumentAck{}, ValidationError{Reason: fmt.Sprintf("unknown document kind %q", kind)}
		}
	}
	unlock := e.locks.lock(listingID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DocumentAck{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return domain.DocumentAck{}, err
	}
	if l.OwnerID != actorID {
		return domain.DocumentAck{}, ConflictError{Reason: "only the listing owner acknowledges documents"}
	}
	if !l.IsUnderPurchase {
		return domain.DocumentAck{}, ConflictError{Reason: "no purchase in progress on this listing"}
	}
	ack := domain.DocumentAck{
		ID:        uuid.New().String(),
		ListingID: listingID,
		Kind:      kind,
		ActorID:   actorID,
		TS:        e.nowStr(),
		Note:      note,
	}
	if err := e.Repo.UpsertDocumentAck(ctx, tx, ack); err != nil {
		return domain.DocumentAck{}, err
	}
	if err := e.Events.Append(ctx, tx, "document.acknowledged", listingID, "document", ack.ID, actorID, events.EventPayload{"kind": kind}); err != nil {
		return domain.DocumentAck{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DocumentAck{}, err
	}
	return ack, nil
}

// AddChecklistItem attaches an inspection point to a listing under purchase.
// Either party may add items; they start pending and are settled once.
func (e Engine) AddChecklistItem(ctx context.Context, listingID, title, description, actorID string) (domain.ChecklistItem, error) {
	if title == "" {
		return domain.ChecklistItem{}, ValidationError{Reason: "title is required"}
	}
	unlock := e.locks.lock(listingID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if !l.IsUnderPurchase {
		return domain.ChecklistItem{}, ConflictError{Reason: "checklist items require a purchase in progress"}
	}
	side, err := party(l, actorID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	now := e.nowStr()
	item := domain.ChecklistItem{
		ID:            uuid.New().String(),
		ListingID:     listingID,
		Title:         title,
		Description:   description,
		CreatedBy:     side,
		CreatorID:     actorID,
		Status:        domain.ChecklistPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := e.Repo.InsertChecklistItem(ctx, tx, item); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "checklist.item_added", listingID, "checklist_item", item.ID, actorID, events.EventPayload{"title": title}); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, err
	}
	return item, nil
}

// SetChecklistStatus settles a pending item as passed or issue. Settled
// items are immutable; report a defect instead of flipping the verdict.
func (e Engine) SetChecklistStatus(ctx context.Context, itemID, status, actorID string) (domain.ChecklistItem, error) {
	if status != domain.ChecklistPassed && status != domain.ChecklistIssue {
		return domain.ChecklistItem{}, ValidationError{Reason: fmt.Sprintf("invalid checklist status %q", status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetChecklistItemTx(ctx, tx, itemID)
	if err != nil {
		return item, err
	}
	l, err := e.Repo.GetListingTx(ctx, tx, item.ListingID)
	if err != nil {
		return item, err
	}
	if _, err := party(l, actorID); err != nil {
		return item, err
	}
	if item.Status != domain.ChecklistPending {
		return item, InvalidTransitionError{Entity: "checklist_item", From: item.Status, To: status}
	}
	item.Status = status
	item.LastUpdatedAt = e.nowStr()
	if err := e.Repo.UpdateChecklistStatus(ctx, tx, item.ID, item.Status, item.LastUpdatedAt); err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, "checklist.item_settled", item.ListingID, "checklist_item", item.ID, actorID, events.EventPayload{"status": status}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// DefectReport carries the fields for opening a defect issue.
type DefectReport struct {
	ListingID          string
	Title              string
	Location           string
	Description        string
	ExpectedCompletion *string
	ChecklistItemID    *string
	ActorID            string
}

// ReportDefect opens a defect issue on a listing, optionally tied to the
// checklist item that surfaced it. Defect issues are never deleted; they
// survive cancellation as an audit trail.
func (e Engine) ReportDefect(ctx context.Context, rep DefectReport) (domain.DefectIssue, error) {
	if rep.Title == "" {
		return domain.DefectIssue{}, ValidationError{Reason: "title is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DefectIssue{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListingTx(ctx, tx, rep.ListingID)
	if err != nil {
		return domain.DefectIssue{}, err
	}
	side, err := party(l, rep.ActorID)
	if err != nil {
		return domain.DefectIssue{}, err
	}
	if rep.ChecklistItemID != nil {
		item, err := e.Repo.GetChecklistItemTx(ctx, tx, *rep.ChecklistItemID)
		if err != nil {
			return domain.DefectIssue{}, err
		}
		if item.ListingID != rep.ListingID {
			return domain.DefectIssue{}, ValidationError{Reason: "checklist item belongs to another listing"}
		}
	}
	issue := domain.DefectIssue{
		ID:                 uuid.New().String(),
		ListingID:          rep.ListingID,
		Title:              rep.Title,
		Location:           rep.Location,
		Description:        rep.Description,
		Status:             domain.DefectPending,
		ReportedBy:         side,
		ReporterID:         rep.ActorID,
		ReportedAt:         e.nowStr(),
		ExpectedCompletion: rep.ExpectedCompletion,
		ChecklistItemID:    rep.ChecklistItemID,
	}
	if err := e.Repo.InsertDefectIssue(ctx, tx, issue); err != nil {
		return domain.DefectIssue{}, err
	}
	if err := e.Events.Append(ctx, tx, "defect.reported", rep.ListingID, "defect", issue.ID, rep.ActorID, events.EventPayload{"title": rep.Title}); err != nil {
		return domain.DefectIssue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DefectIssue{}, err
	}
	return issue, nil
}

// AdvanceDefect moves a defect to any lifecycle status. The parties
// negotiate remediation out of band, so backward moves are allowed. The
// resolution timestamp is stamped the first time the defect reaches
// completed and never overwritten afterwards.
func (e Engine) AdvanceDefect(ctx context.Context, issueID, status, actorID string) (domain.DefectIssue, error) {
	switch status {
	case domain.DefectPending, domain.DefectInProgress, domain.DefectVerified, domain.DefectCompleted:
	default:
		return domain.DefectIssue{}, ValidationError{Reason: fmt.Sprintf("invalid defect status %q", status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DefectIssue{}, err
	}
	defer tx.Rollback()

	issue, err := e.Repo.GetDefectIssueTx(ctx, tx, issueID)
	if err != nil {
		return issue, err
	}
	l, err := e.Repo.GetListingTx(ctx, tx, issue.ListingID)
	if err != nil {
		return issue, err
	}
	if _, err := party(l, actorID); err != nil {
		return issue, err
	}
	now := e.nowStr()
	var resolvedAt *string
	if status == domain.DefectCompleted {
		resolvedAt = &now
	}
	if err := e.Repo.UpdateDefectStatus(ctx, tx, issue.ID, status, resolvedAt); err != nil {
		return issue, err
	}
	if err := e.Events.Append(ctx, tx, "defect.status_changed", issue.ListingID, "defect", issue.ID, actorID, events.EventPayload{"from": issue.Status, "to": status}); err != nil {
		return issue, err
	}
	if err := tx.Commit(); err != nil {
		return issue, err
	}
	issue.Status = status
	if issue.ResolvedAt == nil && resolvedAt != nil {
		issue.ResolvedAt = resolvedAt
	}
	return issue, nil
}
