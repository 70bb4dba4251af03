package erp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type stubLookup struct {
	warehouses []Warehouse
	item       Item
	err        error
}

func (s stubLookup) GetWarehouses(context.Context) ([]Warehouse, error) {
	return s.warehouses, s.err
}

func (s stubLookup) GetItemDetails(context.Context, string) (Item, error) {
	return s.item, s.err
}

func serveLookup(t *testing.T, lookup Lookup, path string) (int, map[string]any) {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), lookup).MountRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Code, body
}

func TestWarehousesFallback(t *testing.T) {
	code, body := serveLookup(t, stubLookup{err: ErrUnavailable}, "/warehouses")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	require.Equal(t, "fallback", data["source"])
	require.Len(t, data["warehouses"], 3)
}

func TestWarehousesFromERP(t *testing.T) {
	code, body := serveLookup(t, stubLookup{warehouses: []Warehouse{{Code: "WH009", Name: "Remote"}}}, "/warehouses")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	require.Equal(t, "erp", data["source"])
	require.Len(t, data["warehouses"], 1)
}

func TestItemFallback(t *testing.T) {
	code, body := serveLookup(t, stubLookup{err: ErrUnavailable}, "/items/ITEM-Z")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	require.Equal(t, "Item ITEM-Z", data["item_name"])
	require.Equal(t, "EA", data["unit_of_measure"])
}

func TestItemNotFound(t *testing.T) {
	code, _ := serveLookup(t, stubLookup{err: ErrItemNotFound}, "/items/NOPE")
	require.Equal(t, http.StatusNotFound, code)
}
