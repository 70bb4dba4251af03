package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeServiceLayer emulates the subset of Service Layer endpoints the client uses.
type fakeServiceLayer struct {
	t          *testing.T
	logins     atomic.Int32
	mu         sync.Mutex
	posted     []stockTransferWire
	rejectNext string
	expireNext atomic.Bool
	expireAll  atomic.Bool
	fail5xx    atomic.Bool
}

func (f *fakeServiceLayer) postedDocs() []stockTransferWire {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stockTransferWire(nil), f.posted...)
}

func (f *fakeServiceLayer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/b1s/v1/Login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"code":100000027,"message":{"lang":"en-us","value":"Fail to get DB Credentials"}}}`)
			return
		}
		n := f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(loginResponse{SessionID: fmt.Sprintf("sess-%d", n), SessionTimeout: 30})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/b1s/v1/Items(") {
			http.NotFound(w, r)
			return
		}
		if !f.authorised(w, r) {
			return
		}
		if strings.Contains(r.URL.Path, "ITEM-A") {
			_, _ = io.WriteString(w, `{"ItemCode":"ITEM-A","ItemName":"Widget A","SalesUnit":"PCS"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":-2028,"message":{"lang":"en-us","value":"No matching records found"}}}`)
	})
	mux.HandleFunc("/b1s/v1/Warehouses", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorised(w, r) {
			return
		}
		_, _ = io.WriteString(w, `{"value":[{"WarehouseCode":"WH001","WarehouseName":"Main"},{"WarehouseCode":"WH002","WarehouseName":"Second"}]}`)
	})
	mux.HandleFunc("/b1s/v1/SerialNumberDetails", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorised(w, r) {
			return
		}
		filter := r.URL.Query().Get("$filter")
		switch filter {
		case "ItemCode eq 'ITEM-A' and SerialNumber eq 'SN1'":
			_, _ = io.WriteString(w, `{"value":[{"ItemCode":"ITEM-A","SerialNumber":"SN1","MfrSerialNo":"M-1","SystemNumber":11,"WhsCode":"WH001","Status":"0","ExpirationDate":"2027-01-31","AdmissionDate":"2024-05-01T00:00:00Z","ManufacturingDate":null}]}`)
		case "ItemCode eq 'ITEM-A' and SerialNumber eq 'SN-USED'":
			_, _ = io.WriteString(w, `{"value":[{"ItemCode":"ITEM-A","SerialNumber":"SN-USED","SystemNumber":12,"WhsCode":"WH001","Status":"1"}]}`)
		default:
			_, _ = io.WriteString(w, `{"value":[]}`)
		}
	})
	mux.HandleFunc("/b1s/v1/StockTransfers", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorised(w, r) {
			return
		}
		if f.fail5xx.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var doc stockTransferWire
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&doc))
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rejectNext != "" {
			msg := f.rejectNext
			f.rejectNext = ""
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "-10", "message": map[string]string{"value": msg}}})
			return
		}
		f.posted = append(f.posted, doc)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"DocEntry":501,"DocNum":9001}`)
	})
	return mux
}

func (f *fakeServiceLayer) authorised(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie("B1SESSION")
	if err != nil || cookie.Value == "" || f.expireNext.CompareAndSwap(true, false) || f.expireAll.Load() {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":301,"message":{"value":"Invalid session."}}}`)
		return false
	}
	return true
}

func newTestClient(t *testing.T, password string) (*Client, *fakeServiceLayer) {
	t.Helper()
	fake := &fakeServiceLayer{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := NewClient(Config{
		BaseURL:   srv.URL,
		CompanyDB: "SBODEMO",
		Username:  "manager",
		Password:  password,
		Timeout:   2 * time.Second,
	}, NewMemorySessionStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return client, fake
}

func TestEnsureLoggedInReusesSession(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	ctx := context.Background()

	ok, err := client.EnsureLoggedIn(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = client.EnsureLoggedIn(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, fake.logins.Load())
}

func TestConcurrentCallsShareSession(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := client.GetWarehouses(context.Background())
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.GreaterOrEqual(t, fake.logins.Load(), int32(1))

	_, err := client.GetWarehouses(context.Background())
	require.NoError(t, err)
	before := fake.logins.Load()
	_, err = client.GetWarehouses(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, fake.logins.Load())
}

func TestLoginRejected(t *testing.T) {
	client, _ := newTestClient(t, "wrong")
	ok, err := client.EnsureLoggedIn(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestExpiredSessionReauthenticatesOnce(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	ctx := context.Background()
	_, err := client.EnsureLoggedIn(ctx)
	require.NoError(t, err)

	fake.expireNext.Store(true)
	item, err := client.GetItemDetails(ctx, "ITEM-A")
	require.NoError(t, err)
	require.Equal(t, "Widget A", item.Name)
	require.Equal(t, "PCS", item.UnitOfMeasure)
	require.EqualValues(t, 2, fake.logins.Load())
}

func TestRepeatedUnauthorizedIsNotABusinessError(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	fake.expireAll.Store(true)

	_, err := client.CreateStockTransfer(context.Background(), StockTransfer{FromWarehouse: "WH001", ToWarehouse: "WH002"})
	require.ErrorIs(t, err, ErrUnauthorized)
	var be *BusinessError
	require.False(t, errors.As(err, &be))
	require.Contains(t, err.Error(), "Invalid session.")
	require.EqualValues(t, 2, fake.logins.Load())
	require.Empty(t, fake.postedDocs())
}

func TestGetItemDetailsNotFound(t *testing.T) {
	client, _ := newTestClient(t, "secret")
	_, err := client.GetItemDetails(context.Background(), "MISSING")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestGetWarehouses(t *testing.T) {
	client, _ := newTestClient(t, "secret")
	list, err := client.GetWarehouses(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Warehouse{{Code: "WH001", Name: "Main"}, {Code: "WH002", Name: "Second"}}, list)
}

func TestGetSerialDetails(t *testing.T) {
	client, _ := newTestClient(t, "secret")
	ctx := context.Background()

	detail, err := client.GetSerialDetails(ctx, "ITEM-A", "SN1")
	require.NoError(t, err)
	require.Equal(t, "WH001", detail.Warehouse)
	require.True(t, detail.Available)
	require.EqualValues(t, 11, detail.SystemNumber)
	require.Equal(t, "M-1", detail.ManufacturerSerial)
	require.NotNil(t, detail.ExpiryDate)
	require.Equal(t, 2027, detail.ExpiryDate.Year())
	require.NotNil(t, detail.AdmissionDate)
	require.Nil(t, detail.ManufacturingDate)

	used, err := client.GetSerialDetails(ctx, "ITEM-A", "SN-USED")
	require.NoError(t, err)
	require.False(t, used.Available)

	_, err = client.GetSerialDetails(ctx, "ITEM-A", "NOPE")
	require.ErrorIs(t, err, ErrSerialNotFound)
}

func TestCreateStockTransfer(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	exp := time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)
	res, err := client.CreateStockTransfer(context.Background(), StockTransfer{
		FromWarehouse: "WH001",
		ToWarehouse:   "WH002",
		Comments:      "ST-TEST-1",
		Lines: []StockTransferLine{{
			ItemCode:      "ITEM-A",
			Quantity:      2,
			FromWarehouse: "WH001",
			ToWarehouse:   "WH002",
			SerialNumbers: []SerialNumber{
				{InternalSerialNumber: "SN1", SystemSerialNumber: 11, ExpiryDate: &exp},
				{InternalSerialNumber: "SN2", SystemSerialNumber: 12},
			},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, DocumentResult{DocEntry: 501, DocNum: "9001"}, res)

	posted := fake.postedDocs()
	require.Len(t, posted, 1)
	doc := posted[0]
	require.Equal(t, "ST-TEST-1", doc.Comments)
	require.Len(t, doc.StockTransferLines, 1)
	require.Len(t, doc.StockTransferLines[0].SerialNumbers, 2)
	require.Equal(t, "WH002", doc.StockTransferLines[0].WarehouseCode)
	require.Equal(t, 2027, doc.StockTransferLines[0].SerialNumbers[0].ExpiryDate.Year())
}

func TestCreateStockTransferBusinessError(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	fake.rejectNext = "Serial number SN1 is not available in warehouse WH001"

	_, err := client.CreateStockTransfer(context.Background(), StockTransfer{FromWarehouse: "WH001", ToWarehouse: "WH002"})
	var be *BusinessError
	require.True(t, errors.As(err, &be))
	require.Equal(t, "Serial number SN1 is not available in warehouse WH001", be.Message)
	require.Equal(t, "-10", be.Code)
	require.False(t, errors.Is(err, ErrUnavailable))
}

func TestCreateStockTransferUnavailable(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	fake.fail5xx.Store(true)

	_, err := client.CreateStockTransfer(context.Background(), StockTransfer{FromWarehouse: "WH001", ToWarehouse: "WH002"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	fake.fail5xx.Store(true)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.CreateStockTransfer(ctx, StockTransfer{})
		require.ErrorIs(t, err, ErrUnavailable)
	}
	fake.fail5xx.Store(false)
	_, err := client.CreateStockTransfer(ctx, StockTransfer{})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Contains(t, err.Error(), "circuit breaker")
}

func TestUnconfiguredClient(t *testing.T) {
	client := NewClient(Config{}, nil, nil)
	require.False(t, client.Configured())
	_, err := client.GetWarehouses(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestUnreachableServiceLayer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := NewClient(Config{BaseURL: srv.URL, Password: "secret", Timeout: time.Second}, nil, nil)
	_, err := client.EnsureLoggedIn(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}
