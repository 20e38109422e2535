package server

// Request bodies for the Keyturn API. Responses reuse the domain types,
// which already carry JSON and schema tags.

type CreateListingRequest struct {
	ID              *string `json:"id,omitempty"`
	OwnerID         string  `json:"owner_id"`
	Title           string  `json:"title"`
	Description     *string `json:"description,omitempty"`
	Price           int64   `json:"price,omitempty"`
	TransactionType *string `json:"transaction_type,omitempty"`
	Address         *string `json:"address,omitempty"`
	MediaJSON       *string `json:"media_json,omitempty"`
}

type ProposeBuyerRequest struct {
	BuyerID string `json:"buyer_id"`
}

type CancelRequest struct {
	Initiator string `json:"initiator" enum:"buyer,seller"`
}

type AckDocumentRequest struct {
	Note *string `json:"note,omitempty"`
}

type ScheduleHandoverRequest struct {
	Date string  `json:"date"`
	Note *string `json:"note,omitempty"`
}

type AddChecklistItemRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type SetChecklistStatusRequest struct {
	Status string `json:"status" enum:"passed,issue"`
}

type ReportDefectRequest struct {
	Title              string  `json:"title"`
	Location           *string `json:"location,omitempty"`
	Description        *string `json:"description,omitempty"`
	ExpectedCompletion *string `json:"expected_completion,omitempty" format:"date-time"`
	ChecklistItemID    *string `json:"checklist_item_id,omitempty"`
}

type SetDefectStatusRequest struct {
	Status string `json:"status" enum:"pending,in-progress,verified,completed"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
