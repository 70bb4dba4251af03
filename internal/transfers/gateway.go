package transfers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-wms/internal/erp"
)

// PostResult identifies the ERP document created for a transfer.
type PostResult struct {
	DocumentNumber string
	DocEntry       int64
}

// Poster creates the ERP stock transfer for an approved document.
// Implementations never touch local state.
type Poster interface {
	Post(ctx context.Context, t Transfer) (PostResult, error)
}

// ERPClient is the part of erp.Client the gateway needs.
type ERPClient interface {
	EnsureLoggedIn(ctx context.Context) (bool, error)
	CreateStockTransfer(ctx context.Context, doc erp.StockTransfer) (erp.DocumentResult, error)
}

// SAPGateway posts transfers through the SAP B1 Service Layer.
type SAPGateway struct {
	client ERPClient
}

// NewSAPGateway constructs the gateway.
func NewSAPGateway(client ERPClient) *SAPGateway {
	return &SAPGateway{client: client}
}

// Post creates the stock transfer. The caller bounds ctx.
func (g *SAPGateway) Post(ctx context.Context, t Transfer) (PostResult, error) {
	if _, err := g.client.EnsureLoggedIn(ctx); err != nil {
		return PostResult{}, mapERPError(err)
	}
	res, err := g.client.CreateStockTransfer(ctx, BuildStockTransfer(t))
	if err != nil {
		return PostResult{}, mapERPError(err)
	}
	if strings.TrimSpace(res.DocNum) == "" {
		return PostResult{}, fmt.Errorf("%w: erp returned no document number", ErrERPUnavailable)
	}
	return PostResult{DocumentNumber: res.DocNum, DocEntry: res.DocEntry}, nil
}

// BuildStockTransfer maps an approved transfer to the ERP document.
// The local transfer number travels in Comments and JournalMemo so ERP documents can be traced back.
func BuildStockTransfer(t Transfer) erp.StockTransfer {
	doc := erp.StockTransfer{
		FromWarehouse: t.FromWarehouse,
		ToWarehouse:   t.ToWarehouse,
		Comments:      fmt.Sprintf("Serial transfer %s", t.Number),
		JournalMemo:   t.Number,
	}
	for _, l := range t.Lines {
		line := erp.StockTransferLine{
			ItemCode:      l.ItemCode,
			Quantity:      l.Quantity,
			FromWarehouse: l.FromWarehouse,
			ToWarehouse:   l.ToWarehouse,
		}
		for _, s := range l.Serials {
			if !s.Validated {
				continue
			}
			sn := erp.SerialNumber{
				InternalSerialNumber: s.SerialNumber,
				ManufacturingDate:    s.ManufacturingDate,
				ExpiryDate:           s.ExpiryDate,
				ReceptionDate:        s.AdmissionDate,
			}
			if s.InternalSerialNumber != "" {
				sn.InternalSerialNumber = s.InternalSerialNumber
			}
			if s.SystemSerialNumber != nil {
				sn.SystemSerialNumber = *s.SystemSerialNumber
			}
			line.SerialNumbers = append(line.SerialNumbers, sn)
		}
		doc.Lines = append(doc.Lines, line)
	}
	return doc
}

func mapERPError(err error) error {
	var be *erp.BusinessError
	if errors.As(err, &be) {
		return &ERPRejectedError{Message: be.Message}
	}
	return fmt.Errorf("%w: %v", ErrERPUnavailable, err)
}
