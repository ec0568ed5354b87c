package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts   = 3
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 4 * time.Second
)

// apiResponse is the venue's generic envelope.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// RESTBroker talks to an HMAC-authenticated REST venue. Requests are signed
// with SHA256 over path+query+expiry+body; transient HTTP failures retry
// inside the client, and anything that survives the internal retries is
// surfaced as ErrBrokerTransient so the router can fail over.
type RESTBroker struct {
	name      string
	assets    []string
	feeBps    float64
	apiKey    string
	apiSecret string
	http      *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	return (code >= 500 && code <= 599) || code == 429 || code == 408
}

// NewRESTBroker builds a signed client for one venue.
func NewRESTBroker(name, baseURL, apiKey, apiSecret string, assets []string, feeBps float64) *RESTBroker {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &RESTBroker{
		name:      name,
		assets:    assets,
		feeBps:    feeBps,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      httpClient,
	}
}

// signRequest computes HMAC-SHA256 over path + query + expiry + body.
func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += strconv.FormatInt(expiry, 10) + body

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *RESTBroker) Name() string              { return b.name }
func (b *RESTBroker) SupportedAssets() []string { return b.assets }
func (b *RESTBroker) FeeBps() float64           { return b.feeBps }

func (b *RESTBroker) Connect(ctx context.Context) error {
	_, err := b.GetAccount(ctx)
	return err
}

func (b *RESTBroker) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	expiry := time.Now().Add(time.Minute).Unix()

	payload := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", ErrBrokerPermanent, err)
		}
		payload = string(raw)
	}

	req := b.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", b.apiKey).
		SetHeader("x-api-expiry", strconv.FormatInt(expiry, 10)).
		SetHeader("x-api-signature", signRequest(path, "", payload, expiry, b.apiSecret))
	if payload != "" {
		req = req.SetBody(payload)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrBrokerTransient, method, path, err)
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == 429 || resp.StatusCode() == 408 {
		return fmt.Errorf("%w: %s %s: status %d", ErrBrokerTransient, method, path, resp.StatusCode())
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrBrokerPermanent, method, path, resp.StatusCode(), resp.String())
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBrokerPermanent, err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("%w: venue code %d (%s): %s", classifyVenueCode(envelope.Code), envelope.Code, VenueErrorMsg(envelope.Code), envelope.Msg)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", ErrBrokerPermanent, err)
		}
	}

	return nil
}

func (b *RESTBroker) GetAccount(ctx context.Context) (Account, error) {
	var data struct {
		Equity    float64 `json:"equity"`
		Cash      float64 `json:"cash"`
		BuyingPow float64 `json:"buying_power"`
		Currency  string  `json:"currency"`
	}
	if err := b.call(ctx, "GET", "/api/v1/account", nil, &data); err != nil {
		return Account{}, err
	}
	return Account{Equity: data.Equity, Cash: data.Cash, BuyingPow: data.BuyingPow, Currency: data.Currency}, nil
}

func (b *RESTBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	var data []struct {
		Symbol     string  `json:"symbol"`
		Quantity   float64 `json:"qty"`
		EntryPrice float64 `json:"avg_entry_price"`
		MarkPrice  float64 `json:"mark_price"`
	}
	if err := b.call(ctx, "GET", "/api/v1/positions", nil, &data); err != nil {
		return nil, err
	}

	positions := make([]BrokerPosition, 0, len(data))
	for _, p := range data {
		positions = append(positions, BrokerPosition{
			Symbol:     p.Symbol,
			Quantity:   p.Quantity,
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
		})
	}
	return positions, nil
}

func (b *RESTBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	body := map[string]interface{}{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"qty":             req.Quantity,
		"type":            req.OrderType,
		"reduce_only":     req.ReduceOnly,
	}
	if req.LimitPrice != nil {
		body["limit_price"] = *req.LimitPrice
	}

	var data struct {
		OrderID   string  `json:"order_id"`
		FillPrice float64 `json:"fill_price"`
		FilledQty float64 `json:"filled_qty"`
	}
	if err := b.call(ctx, "POST", "/api/v1/orders", body, &data); err != nil {
		logger.WithFields(map[string]interface{}{
			"broker":          b.name,
			"client_order_id": req.ClientOrderID,
			"symbol":          req.Symbol,
		}).WithError(err).Warn("order submission failed")
		return OrderAck{}, err
	}

	return OrderAck{
		BrokerOrderID: data.OrderID,
		FillPrice:     data.FillPrice,
		FilledQty:     data.FilledQty,
		SubmittedAt:   time.Now().UTC(),
	}, nil
}

func (b *RESTBroker) CancelOrder(ctx context.Context, clientOrderID string) error {
	return b.call(ctx, "DELETE", "/api/v1/orders/"+clientOrderID, nil, nil)
}

func (b *RESTBroker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var data struct {
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
		Last float64 `json:"last"`
	}
	if err := b.call(ctx, "GET", "/api/v1/quotes/"+symbol, nil, &data); err != nil {
		return Quote{}, err
	}
	return Quote{Symbol: symbol, Bid: data.Bid, Ask: data.Ask, Last: data.Last, At: time.Now().UTC()}, nil
}
