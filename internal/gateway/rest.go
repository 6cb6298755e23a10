package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/riskpilot/guardian/internal/domain"
	"github.com/rs/zerolog"
)

// TokenSource supplies the bearer token the REST client attaches to every
// request, refreshing it when the executor observes a 401.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// requestJob is one queued REST call; the worker goroutine drains the
// queue at a fixed minimum interval so the daemon never exceeds the
// gateway's rate limit regardless of how many callers submit at once.
type requestJob struct {
	ctx    context.Context
	method string
	path   string
	body   interface{}
	result chan jobResult
}

type jobResult struct {
	status int
	body   []byte
	err    error
}

// RESTClient is the enforcement gateway's REST surface: position/order
// search and mutation, plus contract metadata search. Grounded on the
// teacher's request-queue-plus-worker pattern for enforcing a minimum
// delay between calls, adapted here for bearer-token auth instead of
// HMAC request signing.
type RESTClient struct {
	baseURL      string
	httpClient   *http.Client
	tokens       TokenSource
	log          zerolog.Logger
	queue        chan requestJob
	minDelay     time.Duration
}

// NewRESTClient constructs the client and starts its single worker
// goroutine. Call Close to stop it during shutdown.
func NewRESTClient(baseURL string, tokens TokenSource, log zerolog.Logger) *RESTClient {
	c := &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		log:        log.With().Str("component", "gateway_rest").Logger(),
		queue:      make(chan requestJob, 256),
		minDelay:   250 * time.Millisecond,
	}
	go c.worker()
	return c
}

func (c *RESTClient) worker() {
	ticker := time.NewTicker(c.minDelay)
	defer ticker.Stop()
	for job := range c.queue {
		<-ticker.C
		status, body, err := c.doOnce(job.ctx, job.method, job.path, job.body)
		job.result <- jobResult{status: status, body: body, err: err}
	}
}

func (c *RESTClient) doOnce(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Get(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// call enqueues a job and waits for its result; it does not itself retry —
// retry policy belongs to the Enforcement Executor per spec §7.
func (c *RESTClient) call(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	job := requestJob{ctx: ctx, method: method, path: path, body: body, result: make(chan jobResult, 1)}
	select {
	case c.queue <- job:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	select {
	case r := <-job.result:
		return r.status, r.body, r.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// apiEnvelope wraps every REST response per spec §6.
type apiEnvelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type searchOpenPositionsResponse struct {
	apiEnvelope
	Positions []UserPosition `json:"positions"`
}

type searchOpenOrdersResponse struct {
	apiEnvelope
	Orders []UserOrder `json:"orders"`
}

// SearchOpenPositions implements POST /api/Position/searchOpen.
func (c *RESTClient) SearchOpenPositions(ctx context.Context, accountID int64) ([]UserPosition, int, error) {
	status, raw, err := c.call(ctx, http.MethodPost, "/api/Position/searchOpen", map[string]interface{}{"accountId": accountID})
	if err != nil {
		return nil, status, err
	}
	var resp searchOpenPositionsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, status, fmt.Errorf("decode searchOpen positions: %w", err)
	}
	if !resp.Success {
		return nil, status, fmt.Errorf("searchOpen positions failed: %s", resp.ErrorMessage)
	}
	return resp.Positions, status, nil
}

// SearchOpenOrders implements POST /api/Order/searchOpen.
func (c *RESTClient) SearchOpenOrders(ctx context.Context, accountID int64) ([]UserOrder, int, error) {
	status, raw, err := c.call(ctx, http.MethodPost, "/api/Order/searchOpen", map[string]interface{}{"accountId": accountID})
	if err != nil {
		return nil, status, err
	}
	var resp searchOpenOrdersResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, status, fmt.Errorf("decode searchOpen orders: %w", err)
	}
	if !resp.Success {
		return nil, status, fmt.Errorf("searchOpen orders failed: %s", resp.ErrorMessage)
	}
	return resp.Orders, status, nil
}

// ClosePosition implements POST /api/Position/closeContract.
func (c *RESTClient) ClosePosition(ctx context.Context, accountID int64, contractID string) (int, error) {
	status, raw, err := c.call(ctx, http.MethodPost, "/api/Position/closeContract",
		map[string]interface{}{"accountId": accountID, "contractId": contractID})
	return status, decodeEnvelopeErr(raw, err)
}

// PartialClosePosition implements POST /api/Position/partialCloseContract.
func (c *RESTClient) PartialClosePosition(ctx context.Context, accountID int64, contractID string, size int64) (int, error) {
	status, raw, err := c.call(ctx, http.MethodPost, "/api/Position/partialCloseContract",
		map[string]interface{}{"accountId": accountID, "contractId": contractID, "size": size})
	return status, decodeEnvelopeErr(raw, err)
}

// CancelOrder implements POST /api/Order/cancel.
func (c *RESTClient) CancelOrder(ctx context.Context, accountID, orderID int64) (int, error) {
	status, raw, err := c.call(ctx, http.MethodPost, "/api/Order/cancel",
		map[string]interface{}{"accountId": accountID, "orderId": orderID})
	return status, decodeEnvelopeErr(raw, err)
}

// ModifyOrderParams carries the optional fields of POST /api/Order/modify.
type ModifyOrderParams struct {
	Size       *int64
	LimitPrice *string
	StopPrice  *string
	TrailPrice *string
}

// ModifyOrder implements POST /api/Order/modify.
func (c *RESTClient) ModifyOrder(ctx context.Context, accountID, orderID int64, p ModifyOrderParams) (int, error) {
	body := map[string]interface{}{"accountId": accountID, "orderId": orderID}
	if p.Size != nil {
		body["size"] = *p.Size
	}
	if p.LimitPrice != nil {
		body["limitPrice"] = *p.LimitPrice
	}
	if p.StopPrice != nil {
		body["stopPrice"] = *p.StopPrice
	}
	if p.TrailPrice != nil {
		body["trailPrice"] = *p.TrailPrice
	}
	status, raw, err := c.call(ctx, http.MethodPost, "/api/Order/modify", body)
	return status, decodeEnvelopeErr(raw, err)
}

// CancelAllOrders issues a cancel for every currently open order on the
// account; the gateway has no bulk endpoint, so this fans out sequentially
// through the same rate-limited queue.
func (c *RESTClient) CancelAllOrders(ctx context.Context, accountID int64) (int, error) {
	orders, status, err := c.SearchOpenOrders(ctx, accountID)
	if err != nil {
		return status, err
	}
	for _, o := range orders {
		if _, err := c.CancelOrder(ctx, accountID, o.ID); err != nil {
			return status, err
		}
	}
	return status, nil
}

type searchContractResponse struct {
	apiEnvelope
	Results []contractResult `json:"results"`
}

type contractResult struct {
	ContractID string  `json:"contractId"`
	Symbol     string  `json:"symbol"`
	TickSize   string  `json:"tickSize"`
	TickValue  string  `json:"tickValue"`
	Expiry     string  `json:"expiry"`
}

// SearchContract implements POST /api/Contract/search, used by the
// Contract Metadata Cache on a cold miss.
func (c *RESTClient) SearchContract(ctx context.Context, searchText string) (domain.ContractMetadata, error) {
	status, raw, err := c.call(ctx, http.MethodPost, "/api/Contract/search",
		map[string]interface{}{"searchText": searchText, "live": true})
	if err != nil {
		return domain.ContractMetadata{}, err
	}
	var resp searchContractResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.ContractMetadata{}, fmt.Errorf("decode contract search (status %d): %w", status, err)
	}
	if !resp.Success || len(resp.Results) == 0 {
		return domain.ContractMetadata{}, fmt.Errorf("contract search failed: %s", resp.ErrorMessage)
	}
	r := resp.Results[0]
	meta := domain.ContractMetadata{ContractID: r.ContractID, Symbol: r.Symbol, Expiry: r.Expiry}
	meta.TickSize = parseDecimalOrZero(r.TickSize)
	meta.TickValue = parseDecimalOrZero(r.TickValue)
	return meta, nil
}

// Close stops the worker goroutine; call once during shutdown.
func (c *RESTClient) Close() { close(c.queue) }

func decodeEnvelopeErr(raw []byte, err error) error {
	if err != nil {
		return err
	}
	var env apiEnvelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		return fmt.Errorf("decode response envelope: %w", jsonErr)
	}
	if !env.Success {
		return &APIError{Code: env.ErrorCode, Message: env.ErrorMessage}
	}
	return nil
}

// APIError carries the gateway's {errorCode, errorMessage} for 4xx
// responses the executor must classify per spec §7.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}
