package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GrantStatus is the provider-side state of an identity's grant for a group.
type GrantStatus string

const (
	StatusActive  GrantStatus = "active"
	StatusPending GrantStatus = "pending"
	StatusAbsent  GrantStatus = "absent"
)

// Grant is a read-only view of an authorization grant.
type Grant struct {
	Group     string
	Status    GrantStatus
	AccountID string
}

// Link is a freshly minted, single-use authorization reference. It may expire
// at any time on the provider side.
type Link struct {
	Group        string
	Identity     string
	URL          string
	ConnectionID string
	ExpiresAt    time.Time
	MintedAt     time.Time
}

type connectedAccount struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	UserID  string `json:"user_id"`
	Toolkit struct {
		Slug string `json:"slug"`
	} `json:"toolkit"`
}

type accountList struct {
	Items []connectedAccount `json:"items"`
}

// GrantStatus returns the grant state for (identity, group). Only accounts
// owned by identity and belonging to the group are considered.
func (c *Client) GrantStatus(ctx context.Context, identity, group string) (Grant, error) {
	slug := c.slugFor(group)
	grant := Grant{Group: group, Status: StatusAbsent}

	q := url.Values{}
	q.Set("user_ids", identity)
	q.Set("toolkit_slugs", slug)

	var out accountList
	if err := c.doJSON(ctx, http.MethodGet, "/api/v3/connected_accounts", q, nil, &out); err != nil {
		return grant, fmt.Errorf("querying grant for %s: %w", group, err)
	}

	for _, acc := range out.Items {
		if acc.UserID != "" && acc.UserID != identity {
			continue
		}
		if !strings.EqualFold(acc.Toolkit.Slug, slug) {
			continue
		}
		switch strings.ToUpper(acc.Status) {
		case "ACTIVE", "CONNECTED":
			return Grant{Group: group, Status: StatusActive, AccountID: acc.ID}, nil
		case "INITIATED", "INITIALIZING", "PENDING":
			grant.Status = StatusPending
			grant.AccountID = acc.ID
		}
	}
	return grant, nil
}

// IsConnected reports whether identity has an active grant for group.
func (c *Client) IsConnected(ctx context.Context, identity, group string) (bool, error) {
	g, err := c.GrantStatus(ctx, identity, group)
	if err != nil {
		return false, err
	}
	return g.Status == StatusActive, nil
}

type linkRequest struct {
	UserID       string `json:"user_id"`
	ToolkitSlug  string `json:"toolkit_slug"`
	AuthConfigID string `json:"auth_config_id,omitempty"`
}

type linkResponse struct {
	RedirectURL        string    `json:"redirect_url"`
	ConnectedAccountID string    `json:"connected_account_id"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// MintLink asks the provider for a new authorization link. Every call mints a
// new one; nothing is cached.
func (c *Client) MintLink(ctx context.Context, identity, group string) (Link, error) {
	slug := c.slugFor(group)
	body := linkRequest{
		UserID:       identity,
		ToolkitSlug:  slug,
		AuthConfigID: c.authConfigs[slug],
	}

	var out linkResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v3/connected_accounts/link", nil, body, &out); err != nil {
		return Link{}, fmt.Errorf("minting link for %s: %w", group, err)
	}
	if out.RedirectURL == "" {
		return Link{}, fmt.Errorf("minting link for %s: %w: empty redirect url", group, ErrUnavailable)
	}

	c.logger.Info("authorization link minted", "group", group, "identity", identity)
	return Link{
		Group:        group,
		Identity:     identity,
		URL:          out.RedirectURL,
		ConnectionID: out.ConnectedAccountID,
		ExpiresAt:    out.ExpiresAt,
		MintedAt:     time.Now(),
	}, nil
}
