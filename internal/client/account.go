package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codefionn/collabsync/internal/entity"
	"github.com/codefionn/collabsync/internal/session"
)

// Account and directory call names.
const (
	CallWhoIs        = "who-is"
	CallGetToken     = "get-token"
	CallOpenSession  = "open-session"
	CallLoadUserData = "load-user-data"
	CallSetUserData  = "set-user-data"
	CallOpenInvite   = "open-invite"
	CallCreateEntity = "create-entity"
	CallRenameEntity = "rename-entity"
	CallCreateInvite = "create-invite"
	CallDrop         = "drop"
)

// WhoIs resolves a username to a user id.
func (c *Client) WhoIs(ctx context.Context, username string) (uint32, error) {
	res, err := c.mux.Call(ctx, CallWhoIs, []interface{}{username})
	if err != nil {
		return 0, fmt.Errorf("who-is %q: %w", username, err)
	}
	var id uint32
	if err := res.Decode(&id); err != nil {
		return 0, fmt.Errorf("who-is %q: %w", username, err)
	}
	return id, nil
}

// GetToken exchanges a password for a session token.
func (c *Client) GetToken(ctx context.Context, userID uint32, password string) (string, error) {
	res, err := c.mux.Call(ctx, CallGetToken, []interface{}{userID, password})
	if err != nil {
		return "", fmt.Errorf("get-token for %d: %w", userID, err)
	}
	var token string
	if err := res.Decode(&token); err != nil {
		return "", fmt.Errorf("get-token for %d: %w", userID, err)
	}
	return token, nil
}

// Login opens the session for userID and loads the own user record. Pushes
// are routed from here on.
func (c *Client) Login(ctx context.Context, userID uint32, token string) error {
	if _, err := c.mux.Call(ctx, CallOpenSession, []interface{}{userID, token}); err != nil {
		return fmt.Errorf("open-session for %d: %w", userID, err)
	}
	c.startSession(userID)
	if _, err := c.LoadSelf(ctx); err != nil {
		return err
	}
	return nil
}

// LoadSelf fetches the own user record into the session state.
func (c *Client) LoadSelf(ctx context.Context) (session.SelfData, error) {
	state, err := c.session()
	if err != nil {
		return session.SelfData{}, err
	}
	res, err := c.mux.Call(ctx, CallLoadUserData, nil)
	if err != nil {
		return session.SelfData{}, fmt.Errorf("load own user data: %w", err)
	}

	var d session.SelfData
	if err := res.Tuple(&d.Revision, &d.Public, &d.EntityMap, &d.Secret); err != nil {
		return session.SelfData{}, fmt.Errorf("load own user data: %w", err)
	}
	if !state.SetSelfData(d) {
		c.log.Debug("ignoring own user data at %d", d.Revision)
	}
	current, _ := state.SelfData()
	return current, nil
}

// UserRecord is the public record of another user.
type UserRecord struct {
	Revision uint64
	Data     session.UserData
	Image    json.RawMessage
}

// LoadUser fetches the public record of user and caches the name.
func (c *Client) LoadUser(ctx context.Context, user uint32) (UserRecord, error) {
	res, err := c.mux.Call(ctx, CallLoadUserData, []interface{}{user})
	if err != nil {
		return UserRecord{}, fmt.Errorf("load user %d: %w", user, err)
	}
	var r UserRecord
	if err := res.Tuple(&r.Revision, &r.Data, &r.Image); err != nil {
		return UserRecord{}, fmt.Errorf("load user %d: %w", user, err)
	}
	if state := c.state.Load(); state != nil {
		state.SetUsername(user, r.Data.Name)
	}
	return r, nil
}

// Username resolves a user id to a name, asking the server once per user.
func (c *Client) Username(ctx context.Context, user uint32) (string, error) {
	if state := c.state.Load(); state != nil {
		if name, ok := state.Username(user); ok {
			return name, nil
		}
	}
	r, err := c.LoadUser(ctx, user)
	if err != nil {
		return "", err
	}
	return r.Data.Name, nil
}

// SetUserData replaces the public part of the own record.
func (c *Client) SetUserData(ctx context.Context, data session.UserData) error {
	state, err := c.session()
	if err != nil {
		return err
	}
	self, ok := state.SelfData()
	if !ok {
		return fmt.Errorf("set user data: %w", ErrNotMaterialized)
	}
	if _, err := c.mux.Call(ctx, CallSetUserData, []interface{}{self.Revision, data}); err != nil {
		return fmt.Errorf("set user data at %d: %w", self.Revision, err)
	}
	c.RefreshUser()
	return nil
}

// OpenInvite accepts (or, with discard, declines) the invite at index.
func (c *Client) OpenInvite(ctx context.Context, index int, discard bool) error {
	state, err := c.session()
	if err != nil {
		return err
	}
	self, ok := state.SelfData()
	if !ok {
		return fmt.Errorf("open invite: %w", ErrNotMaterialized)
	}
	if _, err := c.mux.Call(ctx, CallOpenInvite, []interface{}{self.Revision, index, discard}); err != nil {
		return fmt.Errorf("open invite %d: %w", index, err)
	}
	c.RefreshDirectory()
	return nil
}

// CreateEntity creates an entity of kind listed under name.
func (c *Client) CreateEntity(ctx context.Context, kind entity.Kind, name string) (entity.ID, error) {
	typ := string(kind)
	if kind == entity.KindDocument {
		typ = "doc"
	}
	res, err := c.mux.Call(ctx, CallCreateEntity, []interface{}{typ, name})
	if err != nil {
		return "", fmt.Errorf("create %s %q: %w", kind, name, err)
	}
	var raw string
	if err := res.Decode(&raw); err != nil {
		return "", fmt.Errorf("create %s %q: %w", kind, name, err)
	}
	id, err := entity.ParseID(raw)
	if err != nil {
		return "", fmt.Errorf("create %s %q: %w", kind, name, err)
	}
	c.RefreshDirectory()
	return id, nil
}

// RenameEntity changes the local name of id.
func (c *Client) RenameEntity(ctx context.Context, id entity.ID, name string) error {
	if _, err := c.mux.Call(ctx, CallRenameEntity, []interface{}{id.String(), name}); err != nil {
		return fmt.Errorf("rename %s: %w", id, err)
	}
	c.RefreshDirectory()
	return nil
}

// CreateInvite invites users to id.
func (c *Client) CreateInvite(ctx context.Context, id entity.ID, readOnly bool, users []uint32) error {
	if users == nil {
		users = []uint32{}
	}
	if _, err := c.mux.Call(ctx, CallCreateInvite, []interface{}{id.String(), readOnly, users}); err != nil {
		return fmt.Errorf("invite to %s: %w", id, err)
	}
	return nil
}

// Drop leaves id. It is unbound and forgotten first.
func (c *Client) Drop(ctx context.Context, id entity.ID) error {
	if state := c.state.Load(); state != nil {
		if side, ok := state.BoundSide(id); ok {
			c.CloseSide(side)
		}
	}
	if _, err := c.mux.Call(ctx, CallDrop, []interface{}{id.String()}); err != nil {
		return fmt.Errorf("drop %s: %w", id, err)
	}
	c.RefreshDirectory()
	return nil
}
