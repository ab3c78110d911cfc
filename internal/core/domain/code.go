package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// CodeAlphabet is the symbol set for key codes. 0, O, I and 1 are excluded
// because they are easily confused when typed from a printed card.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// CodeGroups is the number of dash-separated groups in a code.
	CodeGroups = 4
	// CodeGroupSize is the number of symbols per group.
	CodeGroupSize = 4
	// CodeLength is the length of a formatted code including separators.
	CodeLength = CodeGroups*CodeGroupSize + CodeGroups - 1
)

var codeRegex = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}(-[A-HJ-NP-Z2-9]{4}){3}$`)

// ValidateCode checks that code has the XXXX-XXXX-XXXX-XXXX shape over CodeAlphabet.
func ValidateCode(code string) error {
	if code == "" {
		return NewError(KindValidation, "key code cannot be empty")
	}
	if len(code) != CodeLength {
		return NewError(KindValidation, fmt.Sprintf("key code must be %d characters", CodeLength))
	}
	if !codeRegex.MatchString(code) {
		return NewError(KindValidation, "key code must be four dash-separated groups of four valid symbols")
	}
	return nil
}

// NormalizeCode upper-cases user input, drops whitespace and re-inserts
// dashes when the caller typed the 16 symbols without separators.
func NormalizeCode(code string) string {
	clean := strings.ToUpper(strings.Join(strings.Fields(code), ""))
	if len(clean) == CodeGroups*CodeGroupSize && !strings.Contains(clean, "-") {
		return FormatCode(clean)
	}
	return clean
}

// FormatCode groups a 16-symbol string as XXXX-XXXX-XXXX-XXXX.
func FormatCode(raw string) string {
	if len(raw) != CodeGroups*CodeGroupSize {
		return raw
	}
	groups := make([]string, 0, CodeGroups)
	for i := 0; i < len(raw); i += CodeGroupSize {
		groups = append(groups, raw[i:i+CodeGroupSize])
	}
	return strings.Join(groups, "-")
}

// MaskCode keeps the first two groups and hides the rest, for logs.
func MaskCode(code string) string {
	parts := strings.Split(code, "-")
	if len(parts) < 2 {
		if len(code) > 4 {
			return code[:4] + "****"
		}
		return "****"
	}
	masked := parts[0] + "-" + parts[1]
	for i := 2; i < len(parts); i++ {
		masked += "-****"
	}
	return masked
}
