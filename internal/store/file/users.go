package file

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

// User Repository

type userRepository struct {
	c collection[*domain.User]
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	return r.c.update(func(users []*domain.User) ([]*domain.User, error) {
		for _, u := range users {
			if u.ID == user.ID {
				return nil, idperrors.AlreadyExists("user", user.ID)
			}
			if strings.EqualFold(u.Username, user.Username) {
				return nil, idperrors.AlreadyExists("user with username", user.Username)
			}
			if user.Email != "" && strings.EqualFold(u.Email, user.Email) {
				return nil, idperrors.AlreadyExists("user with email", user.Email)
			}
		}

		now := time.Now().UTC()
		if user.CreatedAt.IsZero() {
			user.CreatedAt = now
		}
		user.UpdatedAt = now
		return append(users, user), nil
	})
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u, ok, err := r.c.find(func(u *domain.User) bool { return u.ID == id })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("user", id)
	}
	return u, nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, ok, err := r.c.find(func(u *domain.User) bool { return strings.EqualFold(u.Username, username) })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("user with username", username)
	}
	return u, nil
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	return r.c.update(func(users []*domain.User) ([]*domain.User, error) {
		for i, u := range users {
			if u.ID == user.ID {
				user.UpdatedAt = time.Now().UTC()
				users[i] = user
				return users, nil
			}
		}
		return nil, idperrors.NotFound("user", user.ID)
	})
}

func (r *userRepository) Delete(ctx context.Context, id string) error {
	found, err := r.c.remove(func(u *domain.User) bool { return u.ID == id })
	if err != nil {
		return err
	}
	if !found {
		return idperrors.NotFound("user", id)
	}
	return nil
}

func (r *userRepository) List(ctx context.Context, filter store.UserFilter) ([]*domain.User, error) {
	users, err := r.c.filter(filter.Matches)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b *domain.User) int {
		return strings.Compare(a.Username, b.Username)
	})
	if filter.Limit > 0 && len(users) > filter.Limit {
		users = users[:filter.Limit]
	}
	return users, nil
}

// Client Repository

type clientRepository struct {
	c collection[*domain.Client]
}

func (r *clientRepository) Create(ctx context.Context, client *domain.Client) error {
	return r.c.update(func(clients []*domain.Client) ([]*domain.Client, error) {
		for _, c := range clients {
			if c.ID == client.ID {
				return nil, idperrors.AlreadyExists("client", client.ID)
			}
		}

		now := time.Now().UTC()
		client.CreatedAt = now
		client.UpdatedAt = now
		return append(clients, client), nil
	})
}

func (r *clientRepository) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	c, ok, err := r.c.find(func(c *domain.Client) bool { return c.ID == id })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("client", id)
	}
	return c, nil
}

func (r *clientRepository) Update(ctx context.Context, client *domain.Client) error {
	return r.c.update(func(clients []*domain.Client) ([]*domain.Client, error) {
		for i, c := range clients {
			if c.ID == client.ID {
				client.UpdatedAt = time.Now().UTC()
				clients[i] = client
				return clients, nil
			}
		}
		return nil, idperrors.NotFound("client", client.ID)
	})
}

func (r *clientRepository) Delete(ctx context.Context, id string) error {
	found, err := r.c.remove(func(c *domain.Client) bool { return c.ID == id })
	if err != nil {
		return err
	}
	if !found {
		return idperrors.NotFound("client", id)
	}
	return nil
}

func (r *clientRepository) List(ctx context.Context) ([]*domain.Client, error) {
	return r.c.filter(func(*domain.Client) bool { return true })
}
