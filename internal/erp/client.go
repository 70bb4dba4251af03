package erp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// Config holds Service Layer connection settings.
type Config struct {
	BaseURL            string
	CompanyDB          string
	Username           string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Client wraps interactions with the SAP B1 Service Layer.
// A single Client is safe for concurrent use; callers share one login session.
type Client struct {
	cfg        Config
	httpClient *http.Client
	store      SessionStore
	breaker    *gobreaker.CircuitBreaker
	logins     singleflight.Group
	logger     *slog.Logger
	now        func() time.Time
}

const maxErrorBody = 64 << 10

// NewClient constructs a new client. A nil store falls back to process memory.
func NewClient(cfg Config, store SessionStore, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if store == nil {
		store = NewMemorySessionStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Service Layer installs commonly use self-signed certificates.
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sap-service-layer",
		MaxRequests: 3,
		Interval:    2 * time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			ratio := float64(counts.TotalFailures) / float64(max(counts.Requests, 1))
			return counts.Requests >= 10 && ratio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("erp circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
	})
	return c
}

// Configured reports whether a Service Layer URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.BaseURL != ""
}

// Login opens a new session and stores it. Concurrent callers share one login round trip.
func (c *Client) Login(ctx context.Context) (Session, error) {
	if !c.Configured() {
		return Session{}, ErrNotConfigured
	}
	v, err, _ := c.logins.Do("login", func() (any, error) {
		return c.login(context.WithoutCancel(ctx))
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (c *Client) login(ctx context.Context) (Session, error) {
	body, err := json.Marshal(loginRequest{CompanyDB: c.cfg.CompanyDB, UserName: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		return Session{}, err
	}
	var out loginResponse
	status, err := c.exchange(ctx, http.MethodPost, "/b1s/v1/Login", "", body, &out)
	if err != nil {
		if status == http.StatusUnauthorized {
			return Session{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Session{}, err
	}
	if out.SessionID == "" {
		return Session{}, fmt.Errorf("%w: login returned no session", ErrUnavailable)
	}
	timeout := time.Duration(out.SessionTimeout) * time.Minute
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	// Renew a minute early so an in-flight post never carries an expiring session.
	sess := Session{ID: out.SessionID, ExpiresAt: c.now().Add(timeout - time.Minute)}
	if err := c.store.Save(ctx, sess); err != nil {
		c.logger.Warn("erp session not cached", slog.Any("error", err))
	}
	c.logger.Info("erp login", slog.String("company_db", c.cfg.CompanyDB))
	return sess, nil
}

// EnsureLoggedIn reuses the shared session or authenticates lazily.
func (c *Client) EnsureLoggedIn(ctx context.Context) (bool, error) {
	if _, err := c.session(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) session(ctx context.Context) (Session, error) {
	if !c.Configured() {
		return Session{}, ErrNotConfigured
	}
	sess, ok, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("erp session lookup", slog.Any("error", err))
	}
	if ok && sess.Valid(c.now()) {
		return sess, nil
	}
	return c.Login(ctx)
}

// GetItemDetails returns name and unit of measure of an item.
func (c *Client) GetItemDetails(ctx context.Context, code string) (Item, error) {
	var out itemResponse
	path := fmt.Sprintf("/b1s/v1/Items('%s')?$select=ItemCode,ItemName,SalesUnit,InventoryUOM", odataEscape(code))
	status, err := c.call(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		if status == http.StatusNotFound {
			return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, code)
		}
		return Item{}, err
	}
	uom := out.SalesUnit
	if uom == "" {
		uom = out.InventoryUOM
	}
	return Item{Code: out.ItemCode, Name: out.ItemName, UnitOfMeasure: uom}, nil
}

// GetWarehouses lists the ERP warehouses.
func (c *Client) GetWarehouses(ctx context.Context) ([]Warehouse, error) {
	var out warehouseResponse
	if _, err := c.call(ctx, http.MethodGet, "/b1s/v1/Warehouses?$select=WarehouseCode,WarehouseName&$orderby=WarehouseCode", nil, &out); err != nil {
		return nil, err
	}
	list := make([]Warehouse, 0, len(out.Value))
	for _, w := range out.Value {
		list = append(list, Warehouse{Code: w.WarehouseCode, Name: w.WarehouseName})
	}
	return list, nil
}

// GetSerialDetails looks up a serial number of an item.
func (c *Client) GetSerialDetails(ctx context.Context, itemCode, serial string) (SerialDetail, error) {
	filter := fmt.Sprintf("ItemCode eq '%s' and SerialNumber eq '%s'", odataEscape(itemCode), odataEscape(serial))
	path := "/b1s/v1/SerialNumberDetails?$filter=" + url.QueryEscape(filter)
	var out serialDetailsResponse
	if _, err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return SerialDetail{}, err
	}
	if len(out.Value) == 0 {
		return SerialDetail{}, fmt.Errorf("%w: %s/%s", ErrSerialNotFound, itemCode, serial)
	}
	return out.Value[0].toDomain(), nil
}

// CreateStockTransfer posts a stock transfer document.
func (c *Client) CreateStockTransfer(ctx context.Context, doc StockTransfer) (DocumentResult, error) {
	body, err := json.Marshal(newStockTransferWire(doc))
	if err != nil {
		return DocumentResult{}, err
	}
	var out documentResponse
	if _, err := c.call(ctx, http.MethodPost, "/b1s/v1/StockTransfers", body, &out); err != nil {
		return DocumentResult{}, err
	}
	if out.DocNum == 0 {
		return DocumentResult{}, fmt.Errorf("%w: stock transfer response without DocNum", ErrUnavailable)
	}
	return DocumentResult{DocEntry: out.DocEntry, DocNum: strconv.FormatInt(out.DocNum, 10)}, nil
}

// call performs an authenticated request. A 401 clears the shared session and retries once with a fresh login.
func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return 0, err
	}
	status, err := c.exchange(ctx, method, path, sess.ID, body, out)
	if status != http.StatusUnauthorized {
		return status, err
	}
	if clearErr := c.store.Clear(ctx); clearErr != nil {
		c.logger.Warn("erp session clear", slog.Any("error", clearErr))
	}
	sess, err = c.Login(ctx)
	if err != nil {
		return 0, err
	}
	status, err = c.exchange(ctx, method, path, sess.ID, body, out)
	if status == http.StatusUnauthorized {
		if clearErr := c.store.Clear(ctx); clearErr != nil {
			c.logger.Warn("erp session clear", slog.Any("error", clearErr))
		}
		return status, fmt.Errorf("%w: %s %s refused a fresh session: %v", ErrUnauthorized, method, redactPath(path), err)
	}
	return status, err
}

type exchangeResult struct {
	status int
}

// exchange runs one HTTP round trip through the circuit breaker and classifies the outcome.
func (c *Client) exchange(ctx context.Context, method, path, sessionID string, body []byte, out any) (int, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(ctx, method, path, sessionID, body, out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%w: circuit breaker %v", ErrUnavailable, err)
		}
	}
	if r, ok := res.(exchangeResult); ok {
		return r.status, err
	}
	return 0, err
}

func (c *Client) roundTrip(ctx context.Context, method, path, sessionID string, body []byte, out any) (exchangeResult, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return exchangeResult{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "B1SESSION", Value: sessionID})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchangeResult{}, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, redactPath(path), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	result := exchangeResult{status: resp.StatusCode}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return result, classifyFailure(resp.StatusCode, raw)
	}
	if out == nil {
		return result, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return result, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	return result, nil
}

func classifyFailure(status int, raw []byte) error {
	if status >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message.Value != "" {
		return &BusinessError{
			Status:  status,
			Code:    strings.Trim(string(body.Error.Code), `"`),
			Message: body.Error.Message.Value,
		}
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("erp: status %d", status)
	}
	return fmt.Errorf("%w: status %d", ErrUnavailable, status)
}

func odataEscape(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func redactPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
