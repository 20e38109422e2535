// Package keyturnsdk is a minimal Keyturn HTTP API client.
package keyturnsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Keyturn server. Set BearerToken for JWT auth or ActorID
// to use the legacy actor header when the server allows it.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Listing represents the API listing model (partial).
type Listing struct {
	ID                       string  `json:"id"`
	OwnerID                  string  `json:"owner_id"`
	Title                    string  `json:"title"`
	Price                    int64   `json:"price"`
	IsUnderPurchase          bool    `json:"is_under_purchase"`
	ConfirmedBuyerID         *string `json:"confirmed_buyer_id,omitempty"`
	BuyerConfirmed           bool    `json:"buyer_confirmed"`
	SellerDocumentsConfirmed bool    `json:"seller_documents_confirmed"`
	HandoverDate             *string `json:"handover_date,omitempty"`
	Sold                     bool    `json:"sold"`
	Version                  int64   `json:"version"`
}

// ChecklistItem is a shared inspection entry.
type ChecklistItem struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedBy string `json:"created_by"`
}

// DefectIssue is a remediation record.
type DefectIssue struct {
	ID         string  `json:"id"`
	ListingID  string  `json:"listing_id"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ListingID string `json:"listing_id"`
	ActorID   string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateListing registers a property.
func (c *Client) CreateListing(ctx context.Context, ownerID, title string, price int64) (Listing, error) {
	body := map[string]any{
		"owner_id": ownerID,
		"title":    title,
		"price":    price,
	}
	var resp Listing
	err := c.do(ctx, http.MethodPost, "v1/listings", body, &resp)
	return resp, err
}

// GetListing fetches a listing by id.
func (c *Client) GetListing(ctx context.Context, id string) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodGet, listingPath(id, ""), nil, &resp)
	return resp, err
}

// ProposeBuyer places the listing under purchase for the given buyer.
func (c *Client) ProposeBuyer(ctx context.Context, listingID, buyerID string) (Listing, error) {
	body := map[string]any{"buyer_id": buyerID}
	var resp Listing
	err := c.do(ctx, http.MethodPost, listingPath(listingID, "purchase/propose"), body, &resp)
	return resp, err
}

// ConfirmPurchase confirms as the proposed buyer (the authenticated actor).
func (c *Client) ConfirmPurchase(ctx context.Context, listingID string) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodPost, listingPath(listingID, "purchase/confirm"), map[string]any{}, &resp)
	return resp, err
}

// CancelPurchase cancels the purchase as the given party ("buyer" or "seller").
func (c *Client) CancelPurchase(ctx context.Context, listingID, initiator string) (Listing, error) {
	body := map[string]any{"initiator": initiator}
	var resp Listing
	err := c.do(ctx, http.MethodPost, listingPath(listingID, "purchase/cancel"), body, &resp)
	return resp, err
}

// AcknowledgeDocument records a document acknowledgement.
func (c *Client) AcknowledgeDocument(ctx context.Context, listingID, kind, note string) error {
	body := map[string]any{"note": note}
	endpoint := listingPath(listingID, "documents/"+url.PathEscape(kind)+"/ack")
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// ConfirmDocuments confirms the document set as seller.
func (c *Client) ConfirmDocuments(ctx context.Context, listingID string) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodPost, listingPath(listingID, "documents/confirm"), map[string]any{}, &resp)
	return resp, err
}

// ScheduleHandover sets the handover date.
func (c *Client) ScheduleHandover(ctx context.Context, listingID, date, note string) (Listing, error) {
	body := map[string]any{"date": date, "note": note}
	var resp Listing
	err := c.do(ctx, http.MethodPost, listingPath(listingID, "handover"), body, &resp)
	return resp, err
}

// CompleteHandover marks the listing sold.
func (c *Client) CompleteHandover(ctx context.Context, listingID string) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodPost, listingPath(listingID, "handover/complete"), map[string]any{}, &resp)
	return resp, err
}

// AddChecklistItem adds a shared inspection point.
func (c *Client) AddChecklistItem(ctx context.Context, listingID, title, description string) (ChecklistItem, error) {
	body := map[string]any{"title": title, "description": description}
	var resp ChecklistItem
	err := c.do(ctx, http.MethodPost, listingPath(listingID, "checklist"), body, &resp)
	return resp, err
}

// SettleChecklistItem moves a pending item to "passed" or "issue".
func (c *Client) SettleChecklistItem(ctx context.Context, itemID, status string) (ChecklistItem, error) {
	body := map[string]any{"status": status}
	var resp ChecklistItem
	endpoint := fmt.Sprintf("v1/checklist/%s/status", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReportDefect records a defect against a listing.
func (c *Client) ReportDefect(ctx context.Context, listingID, title, location, description string) (DefectIssue, error) {
	body := map[string]any{
		"title":       title,
		"location":    location,
		"description": description,
	}
	var resp DefectIssue
	err := c.do(ctx, http.MethodPost, listingPath(listingID, "defects"), body, &resp)
	return resp, err
}

// SetDefectStatus advances a defect issue.
func (c *Client) SetDefectStatus(ctx context.Context, issueID, status string) (DefectIssue, error) {
	body := map[string]any{"status": status}
	var resp DefectIssue
	endpoint := fmt.Sprintf("v1/defects/%s/status", url.PathEscape(issueID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func listingPath(id, p string) string {
	base := "v1/listings/" + url.PathEscape(id)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
