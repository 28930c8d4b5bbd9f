package http

// This file turns the settlement form and the JSON API body into a core.Group.
//
// The form is keyed by participant row ids:
//
//	participant_id=<id>          (repeated, defines the order)
//	name_<id>, details_<id>
//	item_name_<id>, item_price_<id>  (repeated, zipped by position)

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"

	"cheersplit/internal/core"
)

const (
	maxParticipants        = 100
	maxItemsPerParticipant = 100
	maxFieldLength         = 200
	maxBodyBytes           = 1 << 20
)

// ErrMalformedRequest marks input that no user could have produced through
// the form: bad row ids, oversized groups, broken JSON.
var ErrMalformedRequest = errors.New("malformed request")

var participantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ParseGroupForm builds a group from the settlement form. Unparseable prices
// come back as a *core.ValidationError so they render like any other
// validation failure; structural problems wrap ErrMalformedRequest.
func ParseGroupForm(form url.Values) (core.Group, error) {
	ids := form["participant_id"]
	if len(ids) > maxParticipants {
		return core.Group{}, fmt.Errorf("%w: more than %d participants", ErrMalformedRequest, maxParticipants)
	}

	g := core.Group{Participants: make([]core.Participant, 0, len(ids))}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if !participantIDPattern.MatchString(id) {
			return core.Group{}, fmt.Errorf("%w: invalid participant id %q", ErrMalformedRequest, truncate(id, 64))
		}
		if _, dup := seen[id]; dup {
			return core.Group{}, fmt.Errorf("%w: participant id %q repeated", ErrMalformedRequest, id)
		}
		seen[id] = struct{}{}

		p := core.Participant{
			ID:             id,
			Name:           truncate(sanitizeInput(form.Get("name_"+id)), maxFieldLength),
			PaymentDetails: truncate(sanitizeInput(form.Get("details_"+id)), maxFieldLength),
		}

		names := form["item_name_"+id]
		prices := form["item_price_"+id]
		n := max(len(names), len(prices))
		if n > maxItemsPerParticipant {
			return core.Group{}, fmt.Errorf("%w: more than %d items for one participant", ErrMalformedRequest, maxItemsPerParticipant)
		}
		for i := 0; i < n; i++ {
			var name, raw string
			if i < len(names) {
				name = truncate(sanitizeInput(names[i]), maxFieldLength)
			}
			if i < len(prices) {
				raw = sanitizeInput(prices[i])
			}
			price, err := core.ParsePrice(raw)
			if err != nil {
				return core.Group{}, invalidPrice(p.Name, raw)
			}
			p.Items = append(p.Items, core.Item{Name: name, Price: price})
		}

		g.Participants = append(g.Participants, p)
	}
	return g, nil
}

func invalidPrice(participant, raw string) *core.ValidationError {
	who := participant
	if who == "" {
		who = "a participant"
	}
	return &core.ValidationError{
		Kind:    core.ErrNegativePrice,
		Message: fmt.Sprintf("Price %q entered for %s is not a valid amount", truncate(raw, 32), who),
	}
}

// SettlementRequest is the body of POST /api/v1/settlements.
type SettlementRequest struct {
	Participants []core.Participant `json:"participants"`
	Mode         string             `json:"mode,omitempty"`
}

// decodeSettlementRequest reads at most maxBodyBytes of JSON.
func decodeSettlementRequest(w http.ResponseWriter, r *http.Request) (SettlementRequest, error) {
	var req SettlementRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return SettlementRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return SettlementRequest{}, fmt.Errorf("%w: unexpected data after JSON body", ErrMalformedRequest)
	}
	if len(req.Participants) > maxParticipants {
		return SettlementRequest{}, fmt.Errorf("%w: more than %d participants", ErrMalformedRequest, maxParticipants)
	}
	for _, p := range req.Participants {
		if len(p.Items) > maxItemsPerParticipant {
			return SettlementRequest{}, fmt.Errorf("%w: more than %d items for one participant", ErrMalformedRequest, maxItemsPerParticipant)
		}
	}
	return req, nil
}
