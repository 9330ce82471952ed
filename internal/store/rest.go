package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sentinel/internal/model"
)

// REST talks to a remote PostgREST-style storage service. Filters go in the
// query string (`id=eq.<value>`), writes are JSON bodies. Transport errors
// and 5xx responses retry with backoff; 4xx responses are final.
type REST struct {
	logger *slog.Logger
	client *http.Client
	base   string
	apiKey string
}

// NewREST creates a remote backend rooted at baseURL.
func NewREST(baseURL, apiKey string, logger *slog.Logger) *REST {
	return &REST{
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		base:   baseURL,
		apiKey: apiKey,
	}
}

// Migrate is a no-op; the remote service owns its schema.
func (r *REST) Migrate(ctx context.Context) error { return nil }

// Close is a no-op.
func (r *REST) Close() error { return nil }

// ruleDoc is the wire shape of a rule. Durations travel as whole seconds.
type ruleDoc struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	Symbols       []string  `json:"symbols"`
	Intervals     []string  `json:"intervals"`
	CheckInterval int64     `json:"check_interval"`
	Code          string    `json:"code"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toRuleDoc(r *model.Rule) ruleDoc {
	return ruleDoc{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Name:          r.Name,
		Symbols:       r.Symbols,
		Intervals:     r.Intervals,
		CheckInterval: int64(r.CheckInterval.Seconds()),
		Code:          r.Code,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (d ruleDoc) toRule() *model.Rule {
	return &model.Rule{
		ID:            d.ID,
		OwnerID:       d.OwnerID,
		Name:          d.Name,
		Symbols:       d.Symbols,
		Intervals:     d.Intervals,
		CheckInterval: time.Duration(d.CheckInterval) * time.Second,
		Code:          d.Code,
		Status:        model.RuleStatus(d.Status),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (r *REST) CreateRule(ctx context.Context, rule *model.Rule) error {
	return r.do(ctx, http.MethodPost, "/rules", nil, toRuleDoc(rule), nil)
}

func (r *REST) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	var docs []ruleDoc
	q := url.Values{"id": {"eq." + id}}
	if err := r.do(ctx, http.MethodGet, "/rules", q, nil, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0].toRule(), nil
}

func (r *REST) UpdateRule(ctx context.Context, rule *model.Rule) error {
	rule.UpdatedAt = time.Now()
	q := url.Values{"id": {"eq." + rule.ID}}
	return r.do(ctx, http.MethodPatch, "/rules", q, toRuleDoc(rule), nil)
}

func (r *REST) DeleteRule(ctx context.Context, id string) error {
	q := url.Values{"id": {"eq." + id}}
	body := map[string]any{"status": model.RuleDeleted, "updated_at": time.Now()}
	return r.do(ctx, http.MethodPatch, "/rules", q, body, nil)
}

func (r *REST) ListActiveRules(ctx context.Context, ownerID string) ([]*model.Rule, error) {
	var docs []ruleDoc
	q := url.Values{
		"owner_id": {"eq." + ownerID},
		"status":   {"eq." + string(model.RuleActive)},
	}
	if err := r.do(ctx, http.MethodGet, "/rules", q, nil, &docs); err != nil {
		return nil, err
	}
	rules := make([]*model.Rule, 0, len(docs))
	for _, d := range docs {
		rules = append(rules, d.toRule())
	}
	return rules, nil
}

func (r *REST) CreateSignal(ctx context.Context, s *model.Signal) error {
	return r.do(ctx, http.MethodPost, "/signals", nil, s, nil)
}

func (r *REST) UpdateSignalStatus(ctx context.Context, id string, status model.SignalStatus) error {
	q := url.Values{"id": {"eq." + id}}
	body := map[string]any{"status": status, "updated_at": time.Now()}
	return r.do(ctx, http.MethodPatch, "/signals", q, body, nil)
}

func (r *REST) CreatePosition(ctx context.Context, p *model.Position) error {
	return r.do(ctx, http.MethodPost, "/positions", nil, p, nil)
}

func (r *REST) UpdatePosition(ctx context.Context, p *model.Position) error {
	q := url.Values{"id": {"eq." + p.ID}}
	body := map[string]any{
		"stop_loss":    p.StopLoss,
		"take_profit":  p.TakeProfit,
		"trailing_pct": p.TrailingPct,
		"status":       p.Status,
	}
	return r.do(ctx, http.MethodPatch, "/positions", q, body, nil)
}

func (r *REST) ClosePosition(ctx context.Context, id string, exitPrice, pnl, pnlPercent float64, reason string) error {
	q := url.Values{
		"id":     {"eq." + id},
		"status": {"neq." + string(model.PositionClosed)},
	}
	body := map[string]any{
		"status":       model.PositionClosed,
		"exit_price":   exitPrice,
		"pnl":          pnl,
		"pnl_percent":  pnlPercent,
		"close_reason": reason,
		"closed_at":    time.Now(),
	}
	return r.do(ctx, http.MethodPatch, "/positions", q, body, nil)
}

func (r *REST) ListOpenPositions(ctx context.Context, ownerID string) ([]*model.Position, error) {
	var positions []*model.Position
	q := url.Values{
		"owner_id": {"eq." + ownerID},
		"status":   {"in.(" + string(model.PositionOpen) + "," + string(model.PositionOpening) + ")"},
	}
	if err := r.do(ctx, http.MethodGet, "/positions", q, nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// do executes one request with retries. The response body, if out is non-nil,
// is decoded as JSON.
func (r *REST) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	endpoint := r.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
			req.Header.Set("apikey", r.apiKey)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, detail))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("rest: %w", err)
	}
	return nil
}
