package transfers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-wms/internal/erp"
)

func validationLine(qty int, serials ...string) Line {
	line := Line{ID: 1, ItemCode: "ITEM-A", Quantity: qty, FromWarehouse: "WH001", ToWarehouse: "WH002"}
	for i, sn := range serials {
		line.Serials = append(line.Serials, Serial{ID: int64(10 + i), LineID: 1, SerialNumber: sn})
	}
	return line
}

func TestValidateSerials(t *testing.T) {
	consumed := availableSerial("ITEM-A", "SN3", "WH001")
	consumed.Available = false
	details := map[string]erp.SerialDetail{
		"SN1": availableSerial("ITEM-A", "SN1", "WH001"),
		"SN2": availableSerial("ITEM-A", "SN2", "WH009"),
		"SN3": consumed,
		"SN4": availableSerial("ITEM-B", "SN4", "WH001"),
	}
	line := validationLine(5, "SN1", "SN2", "SN3", "SN4", "SN5")

	verdicts := ValidateSerials(line, details)
	require.Len(t, verdicts, 5)

	require.True(t, verdicts[0].Valid)
	require.NotNil(t, verdicts[0].Detail)
	require.Contains(t, verdicts[1].Error, "not in warehouse WH001")
	require.Contains(t, verdicts[2].Error, "already consumed")
	require.Contains(t, verdicts[3].Error, "not found in ERP")
	require.Contains(t, verdicts[4].Error, "not found in ERP")
}

func TestValidateSerialsQuantityOverflow(t *testing.T) {
	details := map[string]erp.SerialDetail{
		"SN1": availableSerial("ITEM-A", "SN1", "WH001"),
		"SN2": availableSerial("ITEM-A", "SN2", "WH001"),
	}
	verdicts := ValidateSerials(validationLine(1, "SN1", "SN2"), details)
	require.True(t, verdicts[0].Valid)
	require.False(t, verdicts[1].Valid)
	require.Contains(t, verdicts[1].Error, "quantity mismatch")
}

func TestValidateSerialsInvalidEntriesDoNotUseQuantity(t *testing.T) {
	details := map[string]erp.SerialDetail{
		"SN1": availableSerial("ITEM-A", "SN1", "WH001"),
		"SN2": availableSerial("ITEM-A", "SN2", "WH001"),
	}
	line := validationLine(2, "TYPO", "SN1", "SN2")

	verdicts := ValidateSerials(line, details)
	require.False(t, verdicts[0].Valid)
	require.Contains(t, verdicts[0].Error, "not found in ERP")
	require.True(t, verdicts[1].Valid)
	require.True(t, verdicts[2].Valid)

	applyVerdicts(&line, verdicts)
	require.Equal(t, 2, line.ValidatedCount())
}

func TestValidateSerialsDuplicatesJudgedIndependently(t *testing.T) {
	details := map[string]erp.SerialDetail{"SN1": availableSerial("ITEM-A", "SN1", "WH001")}
	line := validationLine(2, "SN1", "SN1")

	verdicts := ValidateSerials(line, details)
	require.True(t, verdicts[0].Valid)
	require.True(t, verdicts[1].Valid)
	require.Equal(t, []string{"SN1"}, distinctSerials(line))
}

func TestApplyVerdicts(t *testing.T) {
	mfg := time.Date(2023, 5, 2, 13, 45, 0, 0, time.UTC)
	detail := availableSerial("ITEM-A", "SN1", "WH001")
	detail.InternalSerialNumber = "INT-1"
	detail.ManufacturingDate = &mfg

	line := validationLine(2, "SN1", "SN9")
	changed := applyVerdicts(&line, ValidateSerials(line, map[string]erp.SerialDetail{"SN1": detail}))
	require.Len(t, changed, 2)

	ok := line.Serials[0]
	require.True(t, ok.Validated)
	require.Nil(t, ok.ValidationError)
	require.Equal(t, "INT-1", ok.InternalSerialNumber)
	require.Equal(t, int64(7), *ok.SystemSerialNumber)
	require.Equal(t, time.Date(2023, 5, 2, 0, 0, 0, 0, time.UTC), *ok.ManufacturingDate)

	bad := line.Serials[1]
	require.False(t, bad.Validated)
	require.NotNil(t, bad.ValidationError)

	issues := line.Issues()
	require.Len(t, issues, 2)
	require.Equal(t, "SN9", issues[0].Serial)
	require.Contains(t, issues[1].Reason, "1 validated serials for quantity 2")
}
