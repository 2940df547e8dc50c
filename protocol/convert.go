package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

var hexDigits = regexp.MustCompile(`^[0-9A-F]+$`)

// NormalizeAddress normalizes a Bluetooth device address to colon-separated
// uppercase hex. Supports "aa:bb:cc:dd:ee:ff", "AABBCCDDEEFF",
// "aa-bb-cc-dd-ee-ff" and BlueZ's "dev_AA_BB_CC_DD_EE_FF".
func NormalizeAddress(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}

	cleaned := strings.TrimPrefix(addr, "dev_")
	for _, sep := range []string{":", "-", "_", " "} {
		cleaned = strings.ReplaceAll(cleaned, sep, "")
	}
	cleaned = strings.ToUpper(cleaned)

	if !hexDigits.MatchString(cleaned) {
		return "", fmt.Errorf("address contains invalid characters: %s", addr)
	}
	if len(cleaned) != 12 {
		return "", fmt.Errorf("address must be 6 bytes: %s", addr)
	}

	var result strings.Builder
	for i := 0; i < len(cleaned); i += 2 {
		if i > 0 {
			result.WriteByte(':')
		}
		result.WriteString(cleaned[i : i+2])
	}
	return result.String(), nil
}
