package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/repo"
)

// APIKeyPrefix marks keys issued by IssueAPIKey.
const APIKeyPrefix = "dd_"

type UserInput struct {
	Login                 string
	FullName              string
	Role                  domain.Role
	DealershipID          *string
	AttachedDealershipIDs []string
}

// Me returns the authenticated user.
func (e Engine) Me(ctx context.Context, actorID string) (domain.User, error) {
	return e.Repo.GetUser(ctx, actorID)
}

func (e Engine) CreateDealership(ctx context.Context, actorID, name string) (domain.Dealership, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Dealership{}, invalid("name", "обязательное поле")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dealership{}, err
	}
	defer tx.Rollback()

	if actorID != SystemActor {
		actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
		if err != nil {
			return domain.Dealership{}, err
		}
		if actor.Role != domain.RoleOwner {
			return domain.Dealership{}, auth.ForbiddenError{Action: "dealership.create"}
		}
	}
	d := domain.Dealership{ID: uuid.NewString(), Name: name, CreatedAt: e.now()}
	if err := e.Repo.InsertDealership(ctx, tx, d); err != nil {
		return domain.Dealership{}, err
	}
	if err := e.Events.Append(ctx, tx, "dealership.created", d.ID, "dealership", d.ID, actorID, nil); err != nil {
		return domain.Dealership{}, err
	}
	return d, tx.Commit()
}

func (e Engine) ListDealerships(ctx context.Context, actorID string) ([]domain.Dealership, error) {
	actor, err := e.Auth.LoadActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	list, err := e.Repo.ListDealerships(ctx, auth.Accessible(actor))
	if list == nil && err == nil {
		list = []domain.Dealership{}
	}
	return list, err
}

// CreateUser adds a user. Owners create anyone; managers create employees
// and observers in dealerships they manage. SystemActor seeds the first
// owner.
func (e Engine) CreateUser(ctx context.Context, actorID string, in UserInput) (domain.User, error) {
	u := domain.User{
		ID:                    uuid.NewString(),
		Login:                 strings.TrimSpace(in.Login),
		FullName:              strings.TrimSpace(in.FullName),
		Role:                  in.Role,
		DealershipID:          trimmedPtr(in.DealershipID),
		AttachedDealershipIDs: in.AttachedDealershipIDs,
		CreatedAt:             e.now(),
	}
	switch {
	case u.Login == "":
		return domain.User{}, invalid("login", "обязательное поле")
	case !u.Role.Valid():
		return domain.User{}, invalid("role", "unknown role %q", u.Role)
	}
	if _, err := e.Repo.GetUserByLogin(ctx, u.Login); err == nil {
		return domain.User{}, invalid("login", "login %q is taken", u.Login)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	if actorID != SystemActor {
		actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
		if err != nil {
			return domain.User{}, err
		}
		allowed := actor.Role == domain.RoleOwner ||
			(actor.Role == domain.RoleManager && (u.Role == domain.RoleEmployee || u.Role == domain.RoleObserver) &&
				auth.CanManageDealership(actor, u.DealershipID))
		if !allowed {
			return domain.User{}, auth.ForbiddenError{Action: "user.create"}
		}
	}
	for _, id := range append([]*string{u.DealershipID}, stringPtrs(u.AttachedDealershipIDs)...) {
		if err := e.checkDealership(ctx, tx, id); err != nil {
			return domain.User{}, err
		}
	}
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.created", derefOr(u.DealershipID), "user", u.ID, actorID, map[string]any{
		"login": u.Login,
		"role":  string(u.Role),
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, u.ID)
}

func stringPtrs(ids []string) []*string {
	out := make([]*string, 0, len(ids))
	for i := range ids {
		out = append(out, &ids[i])
	}
	return out
}

// ListUsers returns users whose primary dealership the actor can access.
func (e Engine) ListUsers(ctx context.Context, actorID string) ([]domain.User, error) {
	actor, err := e.Auth.LoadActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleEmployee {
		return nil, auth.ForbiddenError{Action: "user.list"}
	}
	users, err := e.Repo.ListUsers(ctx, auth.Accessible(actor))
	if users == nil && err == nil {
		users = []domain.User{}
	}
	return users, err
}

// IssueAPIKey creates a key for userID and returns the plaintext once; only
// its hash is stored.
func (e Engine) IssueAPIKey(ctx context.Context, actorID, userID, name string) (string, domain.APIKey, error) {
	if actorID != SystemActor && actorID != userID {
		actor, err := e.Auth.LoadActor(ctx, actorID)
		if err != nil {
			return "", domain.APIKey{}, err
		}
		if actor.Role != domain.RoleOwner {
			return "", domain.APIKey{}, auth.ForbiddenError{Action: "apikey.issue"}
		}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, notFoundAs(err, "user")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := APIKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "apikey.issued", "", "api_key", key.ID, actorID, map[string]any{"user_id": userID}); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, tx.Commit()
}

// ListAPIKeys returns userID's keys. Users list their own; owners list anyone's.
func (e Engine) ListAPIKeys(ctx context.Context, actorID, userID string) ([]domain.APIKey, error) {
	if actorID != userID {
		actor, err := e.Auth.LoadActor(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if actor.Role != domain.RoleOwner {
			return nil, auth.ForbiddenError{Action: "apikey.list"}
		}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return nil, notFoundAs(err, "user")
	}
	keys, err := e.Repo.ListAPIKeys(ctx, userID)
	if keys == nil && err == nil {
		keys = []domain.APIKey{}
	}
	return keys, err
}

// RevokeAPIKey deletes a key. The key's user or an owner may revoke it.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	key, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return notFoundAs(err, "api key")
	}
	if actorID != key.UserID {
		actor, err := e.Auth.LoadActor(ctx, actorID)
		if err != nil {
			return err
		}
		if actor.Role != domain.RoleOwner {
			return auth.ForbiddenError{Action: "apikey.revoke"}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, key.ID); err != nil {
		return notFoundAs(err, "api key")
	}
	if err := e.Events.Append(ctx, tx, "apikey.revoked", "", "api_key", key.ID, actorID, map[string]any{"user_id": key.UserID}); err != nil {
		return err
	}
	return tx.Commit()
}
