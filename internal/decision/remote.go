package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"gotothemoon/internal/domain"
)

// actionSchema is the response contract of a remote model.
const actionSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action":     {"type": "string", "enum": ["BUY", "SELL", "HOLD"]},
    "size":       {"type": ["number", "string"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reason":     {"type": "string"}
  }
}`

// Remote asks an HTTP model service for each decision. The request body is
// the JSON encoding of the decision context; the response must match
// actionSchema.
type Remote struct {
	url    string
	client *http.Client
	schema *jsonschema.Schema
}

// NewRemote creates a remote model posting to url. A nil client uses one
// with a 5 second timeout.
func NewRemote(url string, client *http.Client) (*Remote, error) {
	if url == "" {
		return nil, fmt.Errorf("remote model: empty url")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("action.json", strings.NewReader(actionSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("action.json")
	if err != nil {
		return nil, err
	}
	return &Remote{url: url, client: client, schema: schema}, nil
}

type remoteEvent struct {
	Timestamp time.Time       `json:"ts"`
	Seq       uint64          `json:"seq"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
}

type remoteRequest struct {
	Symbol   string          `json:"symbol"`
	Now      time.Time       `json:"now"`
	Position decimal.Decimal `json:"position"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
	Cash     decimal.Decimal `json:"cash"`
	Events   []remoteEvent   `json:"events"`
}

// Decide posts the context and parses the returned action.
func (r *Remote) Decide(ctx context.Context, dc Context) (domain.Action, error) {
	req := remoteRequest{
		Symbol:   dc.Symbol,
		Now:      dc.Now.UTC(),
		Position: dc.Position.Qty,
		AvgCost:  dc.Position.AvgCost,
		Cash:     dc.Cash,
		Events:   make([]remoteEvent, 0, len(dc.RecentEvents)),
	}
	for _, ev := range dc.RecentEvents {
		req.Events = append(req.Events, remoteEvent{Timestamp: ev.Timestamp.UTC(), Seq: ev.Seq, Price: ev.Price, Volume: ev.Volume})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return domain.Action{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return domain.Action{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return domain.Action{}, fmt.Errorf("remote model: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Action{}, fmt.Errorf("remote model: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Action{}, fmt.Errorf("remote model: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return r.parse(dc, raw)
}

func (r *Remote) parse(dc Context, raw []byte) (domain.Action, error) {
	if !gjson.ValidBytes(raw) {
		return domain.Action{}, fmt.Errorf("remote model: response is not valid JSON")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Action{}, fmt.Errorf("remote model: %w", err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return domain.Action{}, fmt.Errorf("remote model: response rejected: %w", err)
	}

	parsed := gjson.ParseBytes(raw)
	a := domain.Action{
		Symbol:     dc.Symbol,
		Kind:       domain.ActionKind(parsed.Get("action").String()),
		Confidence: parsed.Get("confidence").Float(),
		Reason:     parsed.Get("reason").String(),
	}
	if size := parsed.Get("size"); size.Exists() {
		d, err := decimal.NewFromString(size.String())
		if err != nil {
			return domain.Action{}, fmt.Errorf("remote model: size %q: %w", size.String(), err)
		}
		a.TargetSize = d
	}
	return a, nil
}
