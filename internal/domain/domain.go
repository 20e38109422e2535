package domain

// Party identifies which side of the transaction acted.
const (
	PartyBuyer  = "buyer"
	PartySeller = "seller"
)

// Checklist item statuses.
const (
	ChecklistPending = "pending"
	ChecklistPassed  = "passed"
	ChecklistIssue   = "issue"
)

// Defect issue statuses.
const (
	DefectPending    = "pending"
	DefectInProgress = "in-progress"
	DefectVerified   = "verified"
	DefectCompleted  = "completed"
)

// Listing is the canonical record of a property and its transaction state.
// ConfirmedBuyerID is set whenever IsUnderPurchase is true and nil otherwise.
type Listing struct {
	ID                       string  `json:"id"`
	OwnerID                  string  `json:"owner_id"`
	Title                    string  `json:"title"`
	Description              string  `json:"description,omitempty"`
	Price                    int64   `json:"price"`
	TransactionType          string  `json:"transaction_type"`
	Address                  string  `json:"address,omitempty"`
	MediaJSON                *string `json:"media_json,omitempty"`
	IsUnderPurchase          bool    `json:"is_under_purchase"`
	ConfirmedBuyerID         *string `json:"confirmed_buyer_id,omitempty"`
	BuyerConfirmed           bool    `json:"buyer_confirmed"`
	SellerDocumentsConfirmed bool    `json:"seller_documents_confirmed"`
	HandoverDate             *string `json:"handover_date,omitempty" format:"date-time"`
	HandoverNote             *string `json:"handover_note,omitempty"`
	Sold                     bool    `json:"sold"`
	Version                  int64   `json:"version"`
	CreatedAt                string  `json:"created_at" format:"date-time"`
	UpdatedAt                string  `json:"updated_at" format:"date-time"`
}

// SellerProjection mirrors the workflow flags of one listing for its owner.
type SellerProjection struct {
	ListingID                string  `json:"listing_id"`
	SellerID                 string  `json:"seller_id"`
	IsUnderPurchase          bool    `json:"is_under_purchase"`
	BuyerConfirmed           bool    `json:"buyer_confirmed"`
	SellerDocumentsConfirmed bool    `json:"seller_documents_confirmed"`
	HandoverDate             *string `json:"handover_date,omitempty" format:"date-time"`
	Sold                     bool    `json:"sold"`
	LastOpID                 string  `json:"last_op_id,omitempty"`
	UpdatedAt                string  `json:"updated_at" format:"date-time"`
}

// BuyerProjection is the buyer's purchased-properties copy. It carries a
// snapshot of listing display fields taken at confirmation time.
type BuyerProjection struct {
	ListingID                string  `json:"listing_id"`
	BuyerID                  string  `json:"buyer_id"`
	OwnerID                  string  `json:"owner_id"`
	Title                    string  `json:"title"`
	Price                    int64   `json:"price"`
	Address                  string  `json:"address,omitempty"`
	SellerDocumentsConfirmed bool    `json:"seller_documents_confirmed"`
	HandoverDate             *string `json:"handover_date,omitempty" format:"date-time"`
	HandoverNote             *string `json:"handover_note,omitempty"`
	Sold                     bool    `json:"sold"`
	ConfirmedAt              string  `json:"confirmed_at" format:"date-time"`
	LastOpID                 string  `json:"last_op_id,omitempty"`
	UpdatedAt                string  `json:"updated_at" format:"date-time"`
}

// ChecklistItem is a shared home-inspection entry. Items are append-only.
type ChecklistItem struct {
	ID            string `json:"id"`
	ListingID     string `json:"listing_id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	CreatedBy     string `json:"created_by" enum:"buyer,seller"`
	CreatorID     string `json:"creator_id"`
	Status        string `json:"status" enum:"pending,passed,issue"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	LastUpdatedAt string `json:"last_updated_at" format:"date-time"`
}

// DefectIssue is a permanent audit record of a reported defect.
type DefectIssue struct {
	ID                 string  `json:"id"`
	ListingID          string  `json:"listing_id"`
	Title              string  `json:"title"`
	Location           string  `json:"location,omitempty"`
	Description        string  `json:"description,omitempty"`
	Status             string  `json:"status" enum:"pending,in-progress,verified,completed"`
	ReportedBy         string  `json:"reported_by" enum:"buyer,seller"`
	ReporterID         string  `json:"reporter_id"`
	ReportedAt         string  `json:"reported_at" format:"date-time"`
	ExpectedCompletion *string `json:"expected_completion,omitempty" format:"date-time"`
	ResolvedAt         *string `json:"resolved_at,omitempty" format:"date-time"`
	ChecklistItemID    *string `json:"checklist_item_id,omitempty"`
}

// DocumentAck records that an actor acknowledged one required document kind.
type DocumentAck struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	Kind      string `json:"kind"`
	ActorID   string `json:"actor_id"`
	TS        string `json:"ts" format:"date-time"`
	Note      string `json:"note,omitempty"`
}

// Event is one row of the append-only change log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ListingID  string `json:"listing_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Participant is the read-only directory view of a buyer or seller.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ContactInfo string `json:"contact_info,omitempty"`
}
