// Package erp talks to the SAP Business One Service Layer.
package erp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Item is the subset of item master data used by transfers.
type Item struct {
	Code          string
	Name          string
	UnitOfMeasure string
}

// Warehouse is a selectable storage location.
type Warehouse struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// SerialDetail describes one serial number as the ERP knows it.
type SerialDetail struct {
	ItemCode             string
	SerialNumber         string
	InternalSerialNumber string
	ManufacturerSerial   string
	SystemNumber         int64
	Warehouse            string
	Available            bool
	ManufacturingDate    *time.Time
	ExpiryDate           *time.Time
	AdmissionDate        *time.Time
}

// StockTransfer is the document posted to move serialized stock.
type StockTransfer struct {
	FromWarehouse string
	ToWarehouse   string
	Comments      string
	JournalMemo   string
	Lines         []StockTransferLine
}

// StockTransferLine is one item row of a stock transfer.
type StockTransferLine struct {
	ItemCode      string
	Quantity      int
	FromWarehouse string
	ToWarehouse   string
	SerialNumbers []SerialNumber
}

// SerialNumber is one serial attached to a stock transfer line.
type SerialNumber struct {
	InternalSerialNumber string
	ManufacturerSerial   string
	SystemSerialNumber   int64
	ManufacturingDate    *time.Time
	ExpiryDate           *time.Time
	ReceptionDate        *time.Time
}

// DocumentResult identifies a document created by the ERP.
type DocumentResult struct {
	DocEntry int64
	DocNum   string
}

// Session is a Service Layer login session.
type Session struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the session can still be used at now.
func (s Session) Valid(now time.Time) bool {
	return s.ID != "" && now.Before(s.ExpiresAt)
}

// Service Layer wire formats.

type loginRequest struct {
	CompanyDB string `json:"CompanyDB"`
	UserName  string `json:"UserName"`
	Password  string `json:"Password"`
}

type loginResponse struct {
	SessionID      string `json:"SessionId"`
	SessionTimeout int    `json:"SessionTimeout"`
}

type itemResponse struct {
	ItemCode     string `json:"ItemCode"`
	ItemName     string `json:"ItemName"`
	SalesUnit    string `json:"SalesUnit"`
	InventoryUOM string `json:"InventoryUOM"`
}

type warehouseResponse struct {
	Value []struct {
		WarehouseCode string `json:"WarehouseCode"`
		WarehouseName string `json:"WarehouseName"`
	} `json:"value"`
}

type serialDetailsResponse struct {
	Value []serialDetailWire `json:"value"`
}

type serialDetailWire struct {
	ItemCode          string  `json:"ItemCode"`
	SerialNumber      string  `json:"SerialNumber"`
	MfrSerialNo       string  `json:"MfrSerialNo"`
	SystemNumber      int64   `json:"SystemNumber"`
	WhsCode           string  `json:"WhsCode"`
	Status            string  `json:"Status"`
	ManufacturingDate sapDate `json:"ManufacturingDate"`
	ExpirationDate    sapDate `json:"ExpirationDate"`
	AdmissionDate     sapDate `json:"AdmissionDate"`
}

type stockTransferWire struct {
	FromWarehouse      string                  `json:"FromWarehouse"`
	ToWarehouse        string                  `json:"ToWarehouse"`
	Comments           string                  `json:"Comments,omitempty"`
	JournalMemo        string                  `json:"JournalMemo,omitempty"`
	StockTransferLines []stockTransferLineWire `json:"StockTransferLines"`
}

type stockTransferLineWire struct {
	LineNum           int                `json:"LineNum"`
	ItemCode          string             `json:"ItemCode"`
	Quantity          int                `json:"Quantity"`
	FromWarehouseCode string             `json:"FromWarehouseCode"`
	WarehouseCode     string             `json:"WarehouseCode"`
	SerialNumbers     []serialNumberWire `json:"SerialNumbers"`
}

type serialNumberWire struct {
	InternalSerialNumber     string  `json:"InternalSerialNumber"`
	ManufacturerSerialNumber string  `json:"ManufacturerSerialNumber,omitempty"`
	SystemSerialNumber       int64   `json:"SystemSerialNumber,omitempty"`
	ManufactureDate          sapDate `json:"ManufactureDate"`
	ExpiryDate               sapDate `json:"ExpiryDate"`
	ReceptionDate            sapDate `json:"ReceptionDate"`
	BaseLineNumber           int     `json:"BaseLineNumber"`
	Quantity                 float64 `json:"Quantity"`
}

type documentResponse struct {
	DocEntry int64 `json:"DocEntry"`
	DocNum   int64 `json:"DocNum"`
}

type errorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message struct {
			Value string `json:"value"`
		} `json:"message"`
	} `json:"error"`
}

// unavailableStatuses are serial statuses the Service Layer reports for stock that can no longer move.
var unavailableStatuses = map[string]struct{}{
	"1":            {},
	"bost_Close":   {},
	"Unavailable":  {},
	"sns_Consumed": {},
}

func (w serialDetailWire) toDomain() SerialDetail {
	_, consumed := unavailableStatuses[w.Status]
	return SerialDetail{
		ItemCode:             w.ItemCode,
		SerialNumber:         w.SerialNumber,
		InternalSerialNumber: w.SerialNumber,
		ManufacturerSerial:   w.MfrSerialNo,
		SystemNumber:         w.SystemNumber,
		Warehouse:            w.WhsCode,
		Available:            !consumed,
		ManufacturingDate:    w.ManufacturingDate.ptr(),
		ExpiryDate:           w.ExpirationDate.ptr(),
		AdmissionDate:        w.AdmissionDate.ptr(),
	}
}

func newStockTransferWire(doc StockTransfer) stockTransferWire {
	wire := stockTransferWire{
		FromWarehouse: doc.FromWarehouse,
		ToWarehouse:   doc.ToWarehouse,
		Comments:      doc.Comments,
		JournalMemo:   doc.JournalMemo,
	}
	for i, line := range doc.Lines {
		lw := stockTransferLineWire{
			LineNum:           i,
			ItemCode:          line.ItemCode,
			Quantity:          line.Quantity,
			FromWarehouseCode: line.FromWarehouse,
			WarehouseCode:     line.ToWarehouse,
		}
		for _, sn := range line.SerialNumbers {
			lw.SerialNumbers = append(lw.SerialNumbers, serialNumberWire{
				InternalSerialNumber:     sn.InternalSerialNumber,
				ManufacturerSerialNumber: sn.ManufacturerSerial,
				SystemSerialNumber:       sn.SystemSerialNumber,
				ManufactureDate:          dateOf(sn.ManufacturingDate),
				ExpiryDate:               dateOf(sn.ExpiryDate),
				ReceptionDate:            dateOf(sn.ReceptionDate),
				BaseLineNumber:           i,
				Quantity:                 1,
			})
		}
		wire.StockTransferLines = append(wire.StockTransferLines, lw)
	}
	return wire
}

// sapDate accepts the date shapes the Service Layer emits: null, "2006-01-02" and RFC3339.
type sapDate struct {
	time.Time
}

const sapDateLayout = "2006-01-02"

func dateOf(t *time.Time) sapDate {
	if t == nil {
		return sapDate{}
	}
	return sapDate{Time: *t}
}

func (d sapDate) ptr() *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

func (d sapDate) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(sapDateLayout))
}

func (d *sapDate) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		d.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("erp: date: %w", err)
	}
	if raw == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{sapDateLayout, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("erp: unrecognised date %q", raw)
}
