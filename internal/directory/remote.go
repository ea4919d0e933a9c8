// Package directory serves and consumes the user directory the credential
// verifier reads from. The user service owns the records; the authorization
// server reads them over the peer client when configured for remote lookup.
package directory

import (
	"context"
	"net/url"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/peer"
)

// PeerName is the peer client name of the user service.
const PeerName = "user"

// Remote reads users from the user service.
type Remote struct {
	client *peer.Client
	peer   string
}

// NewRemote creates a Remote directory calling peerName through client.
func NewRemote(client *peer.Client, peerName string) *Remote {
	if peerName == "" {
		peerName = PeerName
	}
	return &Remote{client: client, peer: peerName}
}

// GetByID implements auth.Directory.
func (d *Remote) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return d.get(ctx, "/internal/users/"+url.PathEscape(id))
}

// GetByUsername implements auth.Directory.
func (d *Remote) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return d.get(ctx, "/internal/users/by-username/"+url.PathEscape(username))
}

func (d *Remote) get(ctx context.Context, path string) (*domain.User, error) {
	var u domain.User
	if err := d.client.Get(ctx, d.peer, path, &u); err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) || idperrors.IsCode(err, idperrors.CodeServiceUnavailable) {
			return nil, err
		}
		return nil, idperrors.Unavailable("user directory unavailable", err)
	}
	return &u, nil
}
