package twitch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/hovercast/hovercast/errs"
)

// ChannelInfo is one row of GET /helix/channels.
type ChannelInfo struct {
	BroadcasterID       string   `json:"broadcaster_id"`
	BroadcasterLogin    string   `json:"broadcaster_login"`
	BroadcasterName     string   `json:"broadcaster_name"`
	BroadcasterLanguage string   `json:"broadcaster_language"`
	GameID              string   `json:"game_id"`
	GameName            string   `json:"game_name"`
	Title               string   `json:"title"`
	Delay               int      `json:"delay"`
	Tags                []string `json:"tags"`
}

// ChannelPatch carries the modifiable channel fields; nil fields are left
// untouched.
type ChannelPatch struct {
	Title               *string `json:"title,omitempty"`
	GameID              *string `json:"game_id,omitempty"`
	BroadcasterLanguage *string `json:"broadcaster_language,omitempty"`
}

// CreatorGoal is one row of GET /helix/goals.
type CreatorGoal struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Description   string `json:"description"`
	CurrentAmount int    `json:"current_amount"`
	TargetAmount  int    `json:"target_amount"`
	CreatedAt     string `json:"created_at"`
}

// Category is one row of GET /helix/search/categories.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BoxArtURL string `json:"box_art_url"`
}

// ChannelAPI is the auxiliary Helix surface beyond EventSub: channel
// metadata reads and writes, creator goals, category search. Scope
// enforcement happens before dispatch using the token's scope set.
type ChannelAPI struct {
	cfg     HelixConfig
	client  *http.Client
	limiter *rate.Limiter
	token   TokenSource
}

// NewChannelAPI shares the EventSub manager's limiter so the 800/min budget
// covers the whole Helix surface.
func NewChannelAPI(cfg HelixConfig, token TokenSource, limiter *rate.Limiter) *ChannelAPI {
	cfg = cfg.normalize()
	client := new(http.Client)
	client.Timeout = cfg.HTTPTimeout
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute/10)
	}
	return &ChannelAPI{cfg: cfg, client: client, limiter: limiter, token: token}
}

// Limiter exposes the shared rate limiter for sibling Helix clients.
func (a *ChannelAPI) Limiter() *rate.Limiter { return a.limiter }

// GetChannel fetches channel metadata for one broadcaster.
func (a *ChannelAPI) GetChannel(ctx context.Context, broadcasterID string) (ChannelInfo, error) {
	query := url.Values{"broadcaster_id": []string{broadcasterID}}
	status, body, err := a.do(ctx, http.MethodGet, "/helix/channels?"+query.Encode(), nil)
	if err != nil {
		return ChannelInfo{}, err
	}
	if status != http.StatusOK {
		return ChannelInfo{}, a.httpError("get_channel", status, body)
	}
	var resp struct {
		Data []ChannelInfo `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ChannelInfo{}, errs.New(source, errs.KindProtocol,
			errs.WithOp("get_channel"), errs.WithCause(err))
	}
	if len(resp.Data) == 0 {
		return ChannelInfo{}, errs.New(source, errs.KindNotFound,
			errs.WithOp("get_channel"),
			errs.WithField("broadcaster_id", broadcasterID))
	}
	return resp.Data[0], nil
}

// ModifyChannel patches channel metadata; requires channel:manage:broadcast.
func (a *ChannelAPI) ModifyChannel(ctx context.Context, broadcasterID string, patch ChannelPatch) error {
	if err := a.requireScope("modify_channel", "channel:manage:broadcast"); err != nil {
		return err
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return errs.New(source, errs.KindInvalid,
			errs.WithOp("modify_channel"), errs.WithCause(err))
	}
	query := url.Values{"broadcaster_id": []string{broadcasterID}}
	status, body, err := a.do(ctx, http.MethodPatch, "/helix/channels?"+query.Encode(), payload)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return a.httpError("modify_channel", status, body)
	}
	return nil
}

// GetCreatorGoals lists active goals; requires channel:read:goals.
func (a *ChannelAPI) GetCreatorGoals(ctx context.Context, broadcasterID string) ([]CreatorGoal, error) {
	if err := a.requireScope("get_creator_goals", "channel:read:goals"); err != nil {
		return nil, err
	}
	query := url.Values{"broadcaster_id": []string{broadcasterID}}
	status, body, err := a.do(ctx, http.MethodGet, "/helix/goals?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, a.httpError("get_creator_goals", status, body)
	}
	var resp struct {
		Data []CreatorGoal `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.New(source, errs.KindProtocol,
			errs.WithOp("get_creator_goals"), errs.WithCause(err))
	}
	return resp.Data, nil
}

// SearchCategories finds stream categories matching the query string.
func (a *ChannelAPI) SearchCategories(ctx context.Context, queryString string) ([]Category, error) {
	query := url.Values{"query": []string{queryString}}
	status, body, err := a.do(ctx, http.MethodGet, "/helix/search/categories?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, a.httpError("search_categories", status, body)
	}
	var resp struct {
		Data []Category `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.New(source, errs.KindProtocol,
			errs.WithOp("search_categories"), errs.WithCause(err))
	}
	return resp.Data, nil
}

func (a *ChannelAPI) requireScope(op, scope string) error {
	for _, have := range a.token.Scopes() {
		if have == scope {
			return nil
		}
	}
	return errs.New(source, errs.KindAuth,
		errs.WithOp(op),
		errs.WithMessage("missing scope"),
		errs.WithField("scope", scope))
}

func (a *ChannelAPI) httpError(op string, status int, body []byte) error {
	kind := errs.KindApplication
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = errs.KindAuth
	case status == http.StatusTooManyRequests:
		kind = errs.KindRateLimited
	case status >= 500:
		kind = errs.KindUnavailable
	}
	return errs.New(source, kind,
		errs.WithOp(op),
		errs.WithHTTP(status),
		errs.WithMessage(string(bytes.TrimSpace(body))))
}

func (a *ChannelAPI) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, nil, errs.New(source, errs.KindRateLimited,
			errs.WithOp("helix"), errs.WithCause(err))
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, errs.New(source, errs.KindInvalid,
			errs.WithOp("helix"), errs.WithCause(err))
	}
	req.Header.Set("Authorization", "Bearer "+a.token.AccessToken())
	req.Header.Set("Client-Id", a.cfg.ClientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, errs.New(source, errs.KindTransport,
			errs.WithOp("helix"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errs.New(source, errs.KindTransport,
			errs.WithOp("helix"), errs.WithCause(err))
	}
	return resp.StatusCode, data, nil
}
