package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"keyturn/internal/domain"
	"keyturn/internal/engine"
	"keyturn/internal/projection"
	"keyturn/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"this listing already has a confirmed buyer"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"title.deed\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Keyturn API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Keyturn API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerListings(group, cfg.Engine)
	registerPurchase(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerChecklist(group, cfg.Engine)
	registerDefects(group, cfg.Engine)
	registerProjections(group, cfg.Engine)
	registerParticipants(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerReconcile(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if len(ve.Missing) > 0 {
			details = map[string]any{"missing": ve.Missing}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"entity": te.Entity, "from": te.From, "to": te.To,
		})
	}
	var pe *projection.PartialWriteError
	if errors.As(err, &pe) {
		// The canonical transition committed; only fan-out targets failed.
		// The reconciler will converge them, the caller is told which stuck.
		return newAPIError(http.StatusInternalServerError, "partial_write", err.Error(), map[string]any{
			"op_id":     pe.OpID,
			"succeeded": pe.Succeeded,
			"failed":    pe.Failed,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Keyturn API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type listingPath struct {
	ListingID string `path:"listing_id"`
}

func registerListings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-listing",
		Method:        http.MethodPost,
		Path:          "/listings",
		Summary:       "Create listing",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateListingRequest `json:"body"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ownerID := input.Body.OwnerID
		if ownerID == "" {
			ownerID = actorID
		}
		opts := engine.ListingCreateOptions{
			OwnerID:     ownerID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Price:       input.Body.Price,
			Address:     stringOrEmpty(input.Body.Address),
			MediaJSON:   input.Body.MediaJSON,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.TransactionType != nil {
			opts.TransactionType = *input.Body.TransactionType
		}
		l, err := e.CreateListing(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-listings",
		Method:      http.MethodGet,
		Path:        "/listings",
		Summary:     "List listings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OwnerID       string `query:"owner_id"`
		UnderPurchase string `query:"under_purchase" enum:"true,false,"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.Listing `json:"body"`
	}, error) {
		f := repo.ListingFilters{OwnerID: input.OwnerID, Limit: input.Limit}
		switch input.UnderPurchase {
		case "true":
			v := true
			f.UnderPurchase = &v
		case "false":
			v := false
			f.UnderPurchase = &v
		}
		items, err := e.Repo.ListListings(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Listing `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-listing",
		Method:      http.MethodGet,
		Path:        "/listings/{listing_id}",
		Summary:     "Get listing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *listingPath) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		l, err := e.Repo.GetListing(ctx, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})
}

func registerPurchase(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "propose-buyer",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/purchase/propose",
		Summary:     "Propose buyer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ListingID string              `path:"listing_id"`
		Body      ProposeBuyerRequest `json:"body"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		if input.Body.BuyerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "buyer_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ProposeBuyer(ctx, input.ListingID, input.Body.BuyerID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-as-buyer",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/purchase/confirm",
		Summary:     "Confirm purchase as buyer",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *listingPath) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ConfirmAsBuyer(ctx, input.ListingID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-purchase",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/purchase/cancel",
		Summary:     "Cancel purchase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ListingID string        `path:"listing_id"`
		Body      CancelRequest `json:"body"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.Cancel(ctx, input.ListingID, input.Body.Initiator, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schedule-handover",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/handover",
		Summary:     "Schedule handover",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ListingID string                  `path:"listing_id"`
		Body      ScheduleHandoverRequest `json:"body"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ScheduleHandover(ctx, input.ListingID, actorID, input.Body.Date, stringOrEmpty(input.Body.Note))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-handover",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/handover/complete",
		Summary:     "Complete handover",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *listingPath) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CompleteHandover(ctx, input.ListingID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "acknowledge-document",
		Method:        http.MethodPost,
		Path:          "/listings/{listing_id}/documents/{kind}/ack",
		Summary:       "Acknowledge document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ListingID string             `path:"listing_id"`
		Kind      string             `path:"kind"`
		Body      AckDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.DocumentAck `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ack, err := e.AcknowledgeDocument(ctx, input.ListingID, input.Kind, stringOrEmpty(input.Body.Note), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentAck `json:"body"`
		}{Body: ack}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-document-acks",
		Method:      http.MethodGet,
		Path:        "/listings/{listing_id}/documents",
		Summary:     "List document acknowledgements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *listingPath) (*struct {
		Body []domain.DocumentAck `json:"body"`
	}, error) {
		if _, err := e.Repo.GetListing(ctx, input.ListingID); err != nil {
			return nil, handleError(err)
		}
		acks, err := e.Repo.ListDocumentAcks(ctx, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DocumentAck `json:"body"`
		}{Body: acks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-documents",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/documents/confirm",
		Summary:     "Confirm documents as seller",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *listingPath) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ConfirmDocumentsAsSeller(ctx, input.ListingID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})
}

func registerChecklist(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-checklist-item",
		Method:        http.MethodPost,
		Path:          "/listings/{listing_id}/checklist",
		Summary:       "Add checklist item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ListingID string                  `path:"listing_id"`
		Body      AddChecklistItemRequest `json:"body"`
	}) (*struct {
		Body domain.ChecklistItem `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.AddChecklistItem(ctx, input.ListingID, input.Body.Title, stringOrEmpty(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChecklistItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checklist",
		Method:      http.MethodGet,
		Path:        "/listings/{listing_id}/checklist",
		Summary:     "List checklist items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *listingPath) (*struct {
		Body []domain.ChecklistItem `json:"body"`
	}, error) {
		if _, err := e.Repo.GetListing(ctx, input.ListingID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChecklistItems(ctx, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChecklistItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-checklist-status",
		Method:      http.MethodPost,
		Path:        "/checklist/{item_id}/status",
		Summary:     "Settle checklist item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string                    `path:"item_id"`
		Body   SetChecklistStatusRequest `json:"body"`
	}) (*struct {
		Body domain.ChecklistItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.SetChecklistStatus(ctx, input.ItemID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChecklistItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerDefects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-defect",
		Method:        http.MethodPost,
		Path:          "/listings/{listing_id}/defects",
		Summary:       "Report defect",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ListingID string              `path:"listing_id"`
		Body      ReportDefectRequest `json:"body"`
	}) (*struct {
		Body domain.DefectIssue `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.ReportDefect(ctx, engine.DefectReport{
			ListingID:          input.ListingID,
			Title:              input.Body.Title,
			Location:           stringOrEmpty(input.Body.Location),
			Description:        stringOrEmpty(input.Body.Description),
			ExpectedCompletion: input.Body.ExpectedCompletion,
			ChecklistItemID:    input.Body.ChecklistItemID,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DefectIssue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-defects",
		Method:      http.MethodGet,
		Path:        "/listings/{listing_id}/defects",
		Summary:     "List defects",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *listingPath) (*struct {
		Body []domain.DefectIssue `json:"body"`
	}, error) {
		if _, err := e.Repo.GetListing(ctx, input.ListingID); err != nil {
			return nil, handleError(err)
		}
		issues, err := e.Repo.ListDefectIssues(ctx, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DefectIssue `json:"body"`
		}{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-defect-status",
		Method:      http.MethodPost,
		Path:        "/defects/{issue_id}/status",
		Summary:     "Advance defect status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string                 `path:"issue_id"`
		Body    SetDefectStatusRequest `json:"body"`
	}) (*struct {
		Body domain.DefectIssue `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.AdvanceDefect(ctx, input.IssueID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DefectIssue `json:"body"`
		}{Body: issue}, nil
	})
}

func registerProjections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "seller-listings",
		Method:      http.MethodGet,
		Path:        "/sellers/{seller_id}/listings",
		Summary:     "Seller's listing board",
	}, func(ctx context.Context, input *struct {
		SellerID string `path:"seller_id"`
	}) (*struct {
		Body []domain.SellerProjection `json:"body"`
	}, error) {
		items, err := e.Repo.ListSellerProjections(ctx, input.SellerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SellerProjection `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seller-listing",
		Method:      http.MethodGet,
		Path:        "/sellers/{seller_id}/listings/{listing_id}",
		Summary:     "One listing on the seller's board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SellerID  string `path:"seller_id"`
		ListingID string `path:"listing_id"`
	}) (*struct {
		Body domain.SellerProjection `json:"body"`
	}, error) {
		p, err := e.Repo.GetSellerProjection(ctx, input.SellerID, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SellerProjection `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "buyer-purchases",
		Method:      http.MethodGet,
		Path:        "/buyers/{buyer_id}/purchases",
		Summary:     "Buyer's purchased properties",
	}, func(ctx context.Context, input *struct {
		BuyerID string `path:"buyer_id"`
	}) (*struct {
		Body []domain.BuyerProjection `json:"body"`
	}, error) {
		items, err := e.Repo.ListBuyerProjections(ctx, input.BuyerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BuyerProjection `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "buyer-purchase",
		Method:      http.MethodGet,
		Path:        "/buyers/{buyer_id}/purchases/{listing_id}",
		Summary:     "One property on the buyer's board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BuyerID   string `path:"buyer_id"`
		ListingID string `path:"listing_id"`
	}) (*struct {
		Body domain.BuyerProjection `json:"body"`
	}, error) {
		p, err := e.Repo.GetBuyerProjection(ctx, input.BuyerID, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BuyerProjection `json:"body"`
		}{Body: p}, nil
	})
}

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-participant",
		Method:      http.MethodGet,
		Path:        "/participants/{participant_id}",
		Summary:     "Directory lookup",
	}, func(ctx context.Context, input *struct {
		ParticipantID string `path:"participant_id"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		p, err := e.Directory.LookupParticipant(ctx, input.ParticipantID)
		if err != nil {
			return nil, huma.Error502BadGateway("directory lookup failed", err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Change log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ListingID string `query:"listing_id"`
		Type      string `query:"type"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		var (
			events []domain.Event
			err    error
		)
		if input.After > 0 {
			events, err = e.Repo.EventsAfter(ctx, limit, input.After, input.ListingID)
		} else {
			events, err = e.Repo.LatestEvents(ctx, limit, input.ListingID, input.Type)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerReconcile(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile-projections",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Repair diverged projections",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		rc := projection.NewReconciler(e.Repo, e.Projections)
		repaired, err := rc.ReconcileAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"repaired": repaired}}, nil
	})
}
