// Package collab declares the interfaces the coordinator consumes from
// external collaborators. Participant identity is owned elsewhere; the
// coordinator only calls across this seam.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"keyturn/internal/domain"
)

// Directory is the read-only participant identity collaborator.
type Directory interface {
	LookupParticipant(ctx context.Context, id string) (domain.Participant, error)
}

// StaticDirectory serves lookups from a fixed map. Used in tests and when no
// directory endpoint is configured; unknown ids resolve to the bare id.
type StaticDirectory map[string]domain.Participant

func (d StaticDirectory) LookupParticipant(_ context.Context, id string) (domain.Participant, error) {
	if p, ok := d[id]; ok {
		return p, nil
	}
	return domain.Participant{ID: id, DisplayName: id}, nil
}

// HTTPDirectory resolves participants against the identity collaborator's API.
type HTTPDirectory struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDirectory) LookupParticipant(ctx context.Context, id string) (domain.Participant, error) {
	u := fmt.Sprintf("%s/participants/%s", d.BaseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return domain.Participant{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return domain.Participant{}, fmt.Errorf("directory lookup %s: status %d", id, res.StatusCode)
	}
	var p domain.Participant
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return domain.Participant{}, err
	}
	return p, nil
}
