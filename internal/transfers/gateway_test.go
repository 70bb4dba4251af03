package transfers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-wms/internal/erp"
)

type stubERPClient struct {
	loginErr error
	result   erp.DocumentResult
	err      error
	doc      erp.StockTransfer
}

func (c *stubERPClient) EnsureLoggedIn(ctx context.Context) (bool, error) {
	return c.loginErr == nil, c.loginErr
}

func (c *stubERPClient) CreateStockTransfer(ctx context.Context, doc erp.StockTransfer) (erp.DocumentResult, error) {
	c.doc = doc
	return c.result, c.err
}

func TestBuildStockTransfer(t *testing.T) {
	tr := submittedTransfer()
	tr.Lines[0].Serials[1].Validated = false
	tr.Lines[0].Serials[0].InternalSerialNumber = ""

	doc := BuildStockTransfer(tr)
	require.Equal(t, "WH001", doc.FromWarehouse)
	require.Equal(t, "WH002", doc.ToWarehouse)
	require.Equal(t, "Serial transfer ST-TEST-1", doc.Comments)
	require.Equal(t, "ST-TEST-1", doc.JournalMemo)
	require.Len(t, doc.Lines, 1)
	require.Equal(t, 2, doc.Lines[0].Quantity)
	require.Len(t, doc.Lines[0].SerialNumbers, 1)
	require.Equal(t, "SN1", doc.Lines[0].SerialNumbers[0].InternalSerialNumber)
	require.Equal(t, int64(100), doc.Lines[0].SerialNumbers[0].SystemSerialNumber)
}

func TestSAPGatewayPost(t *testing.T) {
	client := &stubERPClient{result: erp.DocumentResult{DocEntry: 41, DocNum: "SAP-9001"}}
	res, err := NewSAPGateway(client).Post(context.Background(), submittedTransfer())
	require.NoError(t, err)
	require.Equal(t, PostResult{DocumentNumber: "SAP-9001", DocEntry: 41}, res)
	require.Equal(t, "ST-TEST-1", client.doc.JournalMemo)
}

func TestSAPGatewayErrors(t *testing.T) {
	cases := []struct {
		name   string
		client *stubERPClient
		want   error
	}{
		{"login down", &stubERPClient{loginErr: erp.ErrUnavailable}, ErrERPUnavailable},
		{"transport", &stubERPClient{err: errors.New("connection reset")}, ErrERPUnavailable},
		{"session refused", &stubERPClient{err: fmt.Errorf("%w: POST /b1s/v1/StockTransfers refused a fresh session: %v", erp.ErrUnauthorized, &erp.BusinessError{Status: 401, Message: "Invalid session."})}, ErrERPUnavailable},
		{"empty doc num", &stubERPClient{result: erp.DocumentResult{DocEntry: 1}}, ErrERPUnavailable},
		{"business", &stubERPClient{err: &erp.BusinessError{Status: 400, Code: "-10", Message: "Serial SN1 not available"}}, ErrERPRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSAPGateway(tc.client).Post(context.Background(), submittedTransfer())
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err := NewSAPGateway(&stubERPClient{err: &erp.BusinessError{Message: "Serial SN1 not available"}}).Post(context.Background(), submittedTransfer())
	var rejected *ERPRejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, "Serial SN1 not available", rejected.Message)
}
