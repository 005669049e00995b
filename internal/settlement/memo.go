package settlement

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	base64BlockSize   = 4
	firstPrintable    = 0x20
	lastPrintable     = 0x7e
	replacementSymbol = ' '
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// DecodeMemo recovers the readable comment carried by a marketplace memo payload.
// The payload is padded to a 4-byte boundary, decoded, stripped of non-printable bytes,
// and cut down to the part describing the purchased quantity when that part is present.
func DecodeMemo(payload string, quantity int64) (string, error) {
	raw, err := decodeBase64(strings.TrimSpace(payload))
	if err != nil {
		return "", err
	}
	printable := make([]byte, len(raw))
	for index, value := range raw {
		if value >= firstPrintable && value <= lastPrintable {
			printable[index] = value
		} else {
			printable[index] = replacementSymbol
		}
	}
	cleaned := strings.TrimSpace(whitespaceRun.ReplaceAllString(string(printable), " "))
	if match := quantityPattern(quantity).FindString(cleaned); match != "" {
		return strings.TrimSpace(match), nil
	}
	return cleaned, nil
}

func quantityPattern(quantity int64) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(strconv.FormatInt(quantity, 10)) + ` (?:Telegram )?Stars.*`)
}

func decodeBase64(payload string) ([]byte, error) {
	if missing := len(payload) % base64BlockSize; missing != 0 {
		payload += strings.Repeat("=", base64BlockSize-missing)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return decoded, nil
	}
	decoded, urlErr := base64.URLEncoding.DecodeString(payload)
	if urlErr == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("%w: memo payload is not base64: %v", ErrInvalidQuote, err)
}
