package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"keyturn/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a CAS update misses its expected version.
var ErrVersionConflict = errors.New("listing version conflict")

const listingColumns = `id,owner_id,title,description,price,transaction_type,address,media_json,is_under_purchase,confirmed_buyer_id,buyer_confirmed,seller_documents_confirmed,handover_date,handover_note,sold,version,created_at,updated_at`

type listingScanner interface {
	Scan(dest ...any) error
}

func scanListing(row listingScanner) (domain.Listing, error) {
	var l domain.Listing
	var description, address, mediaJSON, confirmedBuyerID, handoverDate, handoverNote sql.NullString
	err := row.Scan(&l.ID, &l.OwnerID, &l.Title, &description, &l.Price, &l.TransactionType, &address, &mediaJSON,
		&l.IsUnderPurchase, &confirmedBuyerID, &l.BuyerConfirmed, &l.SellerDocumentsConfirmed,
		&handoverDate, &handoverNote, &l.Sold, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if description.Valid {
		l.Description = description.String
	}
	if address.Valid {
		l.Address = address.String
	}
	if mediaJSON.Valid {
		l.MediaJSON = &mediaJSON.String
	}
	if confirmedBuyerID.Valid {
		l.ConfirmedBuyerID = &confirmedBuyerID.String
	}
	if handoverDate.Valid {
		l.HandoverDate = &handoverDate.String
	}
	if handoverNote.Valid {
		l.HandoverNote = &handoverNote.String
	}
	return l, nil
}

func (r Repo) InsertListing(ctx context.Context, tx *sql.Tx, l domain.Listing) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO listings(`+listingColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.OwnerID, l.Title, nullable(l.Description), l.Price, l.TransactionType, nullable(l.Address), nullableStringPtr(l.MediaJSON),
		l.IsUnderPurchase, nullableStringPtr(l.ConfirmedBuyerID), l.BuyerConfirmed, l.SellerDocumentsConfirmed,
		nullableStringPtr(l.HandoverDate), nullableStringPtr(l.HandoverNote), l.Sold, l.Version, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	return scanListing(r.DB.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, id))
}

func (r Repo) GetListingTx(ctx context.Context, tx *sql.Tx, id string) (domain.Listing, error) {
	return scanListing(tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, id))
}

type ListingFilters struct {
	OwnerID         string
	UnderPurchase   *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListListings(ctx context.Context, f ListingFilters) ([]domain.Listing, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.UnderPurchase != nil {
		clauses = append(clauses, "is_under_purchase=?")
		args = append(args, *f.UnderPurchase)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + listingColumns + ` FROM listings ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// UpdateListingCAS rewrites the listing's transaction state guarded by the
// version counter. The row version is bumped on success; a miss means a
// concurrent writer got there first.
func (r Repo) UpdateListingCAS(ctx context.Context, tx *sql.Tx, l domain.Listing, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE listings SET is_under_purchase=?, confirmed_buyer_id=?, buyer_confirmed=?, seller_documents_confirmed=?, handover_date=?, handover_note=?, sold=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		l.IsUnderPurchase, nullableStringPtr(l.ConfirmedBuyerID), l.BuyerConfirmed, l.SellerDocumentsConfirmed,
		nullableStringPtr(l.HandoverDate), nullableStringPtr(l.HandoverNote), l.Sold, l.UpdatedAt, l.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) UpsertDocumentAck(ctx context.Context, tx *sql.Tx, ack domain.DocumentAck) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO document_acks(id,listing_id,kind,actor_id,ts,note) VALUES (?,?,?,?,?,?)
ON CONFLICT(listing_id,kind) DO UPDATE SET actor_id=excluded.actor_id, ts=excluded.ts, note=excluded.note`,
		ack.ID, ack.ListingID, ack.Kind, ack.ActorID, ack.TS, nullable(ack.Note))
	return err
}

func (r Repo) ListDocumentAcks(ctx context.Context, listingID string) ([]domain.DocumentAck, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,listing_id,kind,actor_id,ts,COALESCE(note,'') FROM document_acks WHERE listing_id=? ORDER BY ts ASC, id ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentAck
	for rows.Next() {
		var a domain.DocumentAck
		if err := rows.Scan(&a.ID, &a.ListingID, &a.Kind, &a.ActorID, &a.TS, &a.Note); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AckedDocumentKindsTx returns the set of acknowledged kinds inside a transaction.
func (r Repo) AckedDocumentKindsTx(ctx context.Context, tx *sql.Tx, listingID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT kind FROM document_acks WHERE listing_id=?`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		res[kind] = true
	}
	return res, rows.Err()
}

func (r Repo) DeleteDocumentAcks(ctx context.Context, tx *sql.Tx, listingID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM document_acks WHERE listing_id=?`, listingID)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, listingID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if listingID != "" {
		clauses = append(clauses, "listing_id=?")
		args = append(args, listingID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(listing_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ListingID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, listingID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if listingID != "" {
		clauses = append(clauses, "listing_id=?")
		args = append(args, listingID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(listing_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ListingID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
