package projection

import "keyturn/internal/domain"

// SellerRow derives the seller's denormalized copy from the canonical record.
func SellerRow(l domain.Listing, updatedAt string) *domain.SellerProjection {
	return &domain.SellerProjection{
		ListingID:                l.ID,
		SellerID:                 l.OwnerID,
		IsUnderPurchase:          l.IsUnderPurchase,
		BuyerConfirmed:           l.BuyerConfirmed,
		SellerDocumentsConfirmed: l.SellerDocumentsConfirmed,
		HandoverDate:             l.HandoverDate,
		Sold:                     l.Sold,
		UpdatedAt:                updatedAt,
	}
}

// BuyerRow derives the buyer's purchased-properties copy from the canonical
// record. Display fields are a snapshot of the listing at derivation time;
// confirmedAt is preserved by the upsert once the row exists.
func BuyerRow(l domain.Listing, buyerID, confirmedAt, updatedAt string) *domain.BuyerProjection {
	return &domain.BuyerProjection{
		ListingID:                l.ID,
		BuyerID:                  buyerID,
		OwnerID:                  l.OwnerID,
		Title:                    l.Title,
		Price:                    l.Price,
		Address:                  l.Address,
		SellerDocumentsConfirmed: l.SellerDocumentsConfirmed,
		HandoverDate:             l.HandoverDate,
		HandoverNote:             l.HandoverNote,
		Sold:                     l.Sold,
		ConfirmedAt:              confirmedAt,
		UpdatedAt:                updatedAt,
	}
}
