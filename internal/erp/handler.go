package erp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/httpx"
)

// Lookup is the read-only ERP surface used by the lookup endpoints.
type Lookup interface {
	GetWarehouses(ctx context.Context) ([]Warehouse, error)
	GetItemDetails(ctx context.Context, code string) (Item, error)
}

// FallbackWarehouses is served when the ERP cannot be reached.
var FallbackWarehouses = []Warehouse{
	{Code: "WH001", Name: "Main Warehouse"},
	{Code: "WH002", Name: "Secondary Warehouse"},
	{Code: "WH003", Name: "Storage Warehouse"},
}

// FallbackItem is served for an item when the ERP cannot be reached.
func FallbackItem(code string) Item {
	return Item{Code: code, Name: "Item " + code, UnitOfMeasure: "EA"}
}

// Handler exposes ERP lookups with offline fallbacks.
type Handler struct {
	logger  *slog.Logger
	lookup  Lookup
	timeout time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, lookup Lookup) *Handler {
	return &Handler{logger: logger, lookup: lookup, timeout: 10 * time.Second}
}

// MountRoutes registers lookup routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/warehouses", h.listWarehouses)
	r.Get("/items/{code}", h.getItem)
}

type warehousesResponse struct {
	Warehouses []Warehouse `json:"warehouses"`
	Source     string      `json:"source"`
}

type itemLookupResponse struct {
	ItemCode      string `json:"item_code"`
	ItemName      string `json:"item_name"`
	UnitOfMeasure string `json:"unit_of_measure"`
	Source        string `json:"source"`
}

func (h *Handler) listWarehouses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	list, err := h.lookup.GetWarehouses(ctx)
	if err != nil || len(list) == 0 {
		if err != nil {
			h.logger.Warn("erp warehouses unavailable, serving fallback", slog.Any("error", err))
		}
		httpx.OK(w, http.StatusOK, "", warehousesResponse{Warehouses: FallbackWarehouses, Source: "fallback"})
		return
	}
	httpx.OK(w, http.StatusOK, "", warehousesResponse{Warehouses: list, Source: "erp"})
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item code required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	item, err := h.lookup.GetItemDetails(ctx, code)
	switch {
	case err == nil:
		httpx.OK(w, http.StatusOK, "", itemLookupResponse{ItemCode: code, ItemName: item.Name, UnitOfMeasure: item.UnitOfMeasure, Source: "erp"})
	case errors.Is(err, ErrItemNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "item "+code+" not found in ERP")
	default:
		h.logger.Warn("erp item lookup unavailable, serving fallback", slog.String("item_code", code), slog.Any("error", err))
		fb := FallbackItem(code)
		httpx.OK(w, http.StatusOK, "", itemLookupResponse{ItemCode: code, ItemName: fb.Name, UnitOfMeasure: fb.UnitOfMeasure, Source: "fallback"})
	}
}
