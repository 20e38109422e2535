package repo

import (
	"context"
	"database/sql"

	"keyturn/internal/domain"
)

// Projection rows are written outside the canonical transaction: each upsert
// or delete is an independent statement so the fan-out can fail per target.

func (r Repo) UpsertSellerProjection(ctx context.Context, p domain.SellerProjection) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO seller_projections(listing_id,seller_id,is_under_purchase,buyer_confirmed,seller_documents_confirmed,handover_date,sold,last_op_id,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(listing_id) DO UPDATE SET
  is_under_purchase=excluded.is_under_purchase,
  buyer_confirmed=excluded.buyer_confirmed,
  seller_documents_confirmed=excluded.seller_documents_confirmed,
  handover_date=excluded.handover_date,
  sold=excluded.sold,
  last_op_id=excluded.last_op_id,
  updated_at=excluded.updated_at`,
		p.ListingID, p.SellerID, p.IsUnderPurchase, p.BuyerConfirmed, p.SellerDocumentsConfirmed,
		nullableStringPtr(p.HandoverDate), p.Sold, nullable(p.LastOpID), p.UpdatedAt)
	return err
}

func (r Repo) GetSellerProjection(ctx context.Context, sellerID, listingID string) (domain.SellerProjection, error) {
	var p domain.SellerProjection
	var handoverDate, lastOpID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT listing_id,seller_id,is_under_purchase,buyer_confirmed,seller_documents_confirmed,handover_date,sold,last_op_id,updated_at FROM seller_projections WHERE seller_id=? AND listing_id=?`, sellerID, listingID).
		Scan(&p.ListingID, &p.SellerID, &p.IsUnderPurchase, &p.BuyerConfirmed, &p.SellerDocumentsConfirmed, &handoverDate, &p.Sold, &lastOpID, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if handoverDate.Valid {
		p.HandoverDate = &handoverDate.String
	}
	if lastOpID.Valid {
		p.LastOpID = lastOpID.String
	}
	return p, nil
}

func (r Repo) ListSellerProjections(ctx context.Context, sellerID string) ([]domain.SellerProjection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT listing_id,seller_id,is_under_purchase,buyer_confirmed,seller_documents_confirmed,handover_date,sold,last_op_id,updated_at FROM seller_projections WHERE seller_id=? ORDER BY updated_at DESC, listing_id DESC`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SellerProjection
	for rows.Next() {
		var p domain.SellerProjection
		var handoverDate, lastOpID sql.NullString
		if err := rows.Scan(&p.ListingID, &p.SellerID, &p.IsUnderPurchase, &p.BuyerConfirmed, &p.SellerDocumentsConfirmed, &handoverDate, &p.Sold, &lastOpID, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if handoverDate.Valid {
			p.HandoverDate = &handoverDate.String
		}
		if lastOpID.Valid {
			p.LastOpID = lastOpID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertBuyerProjection(ctx context.Context, p domain.BuyerProjection) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO buyer_projections(listing_id,buyer_id,owner_id,title,price,address,seller_documents_confirmed,handover_date,handover_note,sold,confirmed_at,last_op_id,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(listing_id,buyer_id) DO UPDATE SET
  seller_documents_confirmed=excluded.seller_documents_confirmed,
  handover_date=excluded.handover_date,
  handover_note=excluded.handover_note,
  sold=excluded.sold,
  last_op_id=excluded.last_op_id,
  updated_at=excluded.updated_at`,
		p.ListingID, p.BuyerID, p.OwnerID, p.Title, p.Price, nullable(p.Address),
		p.SellerDocumentsConfirmed, nullableStringPtr(p.HandoverDate), nullableStringPtr(p.HandoverNote),
		p.Sold, p.ConfirmedAt, nullable(p.LastOpID), p.UpdatedAt)
	return err
}

func (r Repo) DeleteBuyerProjection(ctx context.Context, listingID, buyerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM buyer_projections WHERE listing_id=? AND buyer_id=?`, listingID, buyerID)
	return err
}

func (r Repo) GetBuyerProjection(ctx context.Context, buyerID, listingID string) (domain.BuyerProjection, error) {
	var p domain.BuyerProjection
	var address, handoverDate, handoverNote, lastOpID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT listing_id,buyer_id,owner_id,title,price,address,seller_documents_confirmed,handover_date,handover_note,sold,confirmed_at,last_op_id,updated_at FROM buyer_projections WHERE buyer_id=? AND listing_id=?`, buyerID, listingID).
		Scan(&p.ListingID, &p.BuyerID, &p.OwnerID, &p.Title, &p.Price, &address, &p.SellerDocumentsConfirmed, &handoverDate, &handoverNote, &p.Sold, &p.ConfirmedAt, &lastOpID, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if address.Valid {
		p.Address = address.String
	}
	if handoverDate.Valid {
		p.HandoverDate = &handoverDate.String
	}
	if handoverNote.Valid {
		p.HandoverNote = &handoverNote.String
	}
	if lastOpID.Valid {
		p.LastOpID = lastOpID.String
	}
	return p, nil
}

func (r Repo) ListBuyerProjections(ctx context.Context, buyerID string) ([]domain.BuyerProjection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT listing_id,buyer_id,owner_id,title,price,address,seller_documents_confirmed,handover_date,handover_note,sold,confirmed_at,last_op_id,updated_at FROM buyer_projections WHERE buyer_id=? ORDER BY confirmed_at DESC, listing_id DESC`, buyerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuyerProjection
	for rows.Next() {
		var p domain.BuyerProjection
		var address, handoverDate, handoverNote, lastOpID sql.NullString
		if err := rows.Scan(&p.ListingID, &p.BuyerID, &p.OwnerID, &p.Title, &p.Price, &address, &p.SellerDocumentsConfirmed, &handoverDate, &handoverNote, &p.Sold, &p.ConfirmedAt, &lastOpID, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if address.Valid {
			p.Address = address.String
		}
		if handoverDate.Valid {
			p.HandoverDate = &handoverDate.String
		}
		if handoverNote.Valid {
			p.HandoverNote = &handoverNote.String
		}
		if lastOpID.Valid {
			p.LastOpID = lastOpID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListBuyerProjectionsForListing(ctx context.Context, listingID string) ([]domain.BuyerProjection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT listing_id,buyer_id,owner_id,title,price,address,seller_documents_confirmed,handover_date,handover_note,sold,confirmed_at,last_op_id,updated_at FROM buyer_projections WHERE listing_id=?`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuyerProjection
	for rows.Next() {
		var p domain.BuyerProjection
		var address, handoverDate, handoverNote, lastOpID sql.NullString
		if err := rows.Scan(&p.ListingID, &p.BuyerID, &p.OwnerID, &p.Title, &p.Price, &address, &p.SellerDocumentsConfirmed, &handoverDate, &handoverNote, &p.Sold, &p.ConfirmedAt, &lastOpID, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if address.Valid {
			p.Address = address.String
		}
		if handoverDate.Valid {
			p.HandoverDate = &handoverDate.String
		}
		if handoverNote.Valid {
			p.HandoverNote = &handoverNote.String
		}
		if lastOpID.Valid {
			p.LastOpID = lastOpID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
