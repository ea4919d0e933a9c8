package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/peer"
	"github.com/tendant/dealer-sso/internal/respond"
)

// PartiesRequest names the parties of a purchase or sale.
type PartiesRequest struct {
	ClientID  string `json:"clientId"`
	UserID    string `json:"userId"`
	VehicleID string `json:"vehicleId"`
}

// PartiesResult reports which parties exist on their owning services.
type PartiesResult struct {
	Client  bool `json:"client"`
	User    bool `json:"user"`
	Vehicle bool `json:"vehicle"`
	Valid   bool `json:"valid"`
}

type partyVerifier struct {
	peers  *peer.Client
	logger *slog.Logger
}

func (v *partyVerifier) verify(w http.ResponseWriter, r *http.Request) {
	var req PartiesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		respond.Error(w, r, v.logger, idperrors.InvalidInput("request body must be a JSON object"))
		return
	}

	fields := map[string]string{}
	if req.ClientID == "" {
		fields["clientId"] = "required"
	}
	if req.UserID == "" {
		fields["userId"] = "required"
	}
	if req.VehicleID == "" {
		fields["vehicleId"] = "required"
	}
	if err := idperrors.Invalid(fields); err != nil {
		respond.Error(w, r, v.logger, err)
		return
	}

	res, err := v.check(r.Context(), req)
	if err != nil {
		respond.Error(w, r, v.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

// check asks the three owning services concurrently. A missing record is an
// answer; an unavailable peer fails the whole check.
func (v *partyVerifier) check(ctx context.Context, req PartiesRequest) (*PartiesResult, error) {
	var res PartiesResult
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		res.Client, err = v.exists(ctx, Client, req.ClientID)
		return err
	})
	g.Go(func() (err error) {
		res.User, err = v.exists(ctx, User, req.UserID)
		return err
	})
	g.Go(func() (err error) {
		res.Vehicle, err = v.exists(ctx, Vehicle, req.VehicleID)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Valid = res.Client && res.User && res.Vehicle
	return &res, nil
}

func (v *partyVerifier) exists(ctx context.Context, name, id string) (bool, error) {
	err := v.peers.Get(ctx, name, "/api/"+Segment(name)+"/"+url.PathEscape(id), nil)
	switch {
	case err == nil:
		return true, nil
	case idperrors.IsCode(err, idperrors.CodeNotFound):
		return false, nil
	case idperrors.IsCode(err, idperrors.CodeServiceUnavailable):
		return false, err
	case idperrors.IsCode(err, idperrors.CodeForbidden):
		v.logger.Warn("peer refused party lookup", "peer", name)
		return false, idperrors.Unavailable(name+" service refused the lookup", err)
	default:
		return false, err
	}
}
