package shared

import (
	"fmt"
	"strings"
)

// ERPSessionKey builds the redis key holding the shared ERP session for a company database.
func ERPSessionKey(companyDB string) string {
	return fmt.Sprintf("erp:session:%s", strings.ToLower(strings.TrimSpace(companyDB)))
}
