package domain

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

const (
	// MinHWIDLength and MaxHWIDLength bound the generic HWID shape.
	MinHWIDLength = 10
	MaxHWIDLength = 255

	// MaxHWIDChanges is how many device changes a user may make per HWIDChangeWindow.
	MaxHWIDChanges   = 3
	HWIDChangeWindow = time.Hour

	repetitionThreshold = 0.7
	lowEntropyThreshold = 2.5
	// Random hex ids sit near 4 bits/char; values above this are usually generated by a tool.
	highEntropyThreshold = 3.8
)

var hwidShapes = []struct {
	name string
	re   *regexp.Regexp
}{
	{"grouped", regexp.MustCompile(`^[A-Za-z0-9]{4,8}(-[A-Za-z0-9]{4,8}){2,7}$`)},
	{"guid", regexp.MustCompile(`^\{?[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}\}?$`)},
	{"mac", regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)},
	{"hash", regexp.MustCompile(`^[0-9A-Fa-f]{32,128}$`)},
	{"generic", regexp.MustCompile(`^[A-Za-z0-9-]{10,255}$`)},
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

// blacklistedHWIDs holds cleaned values that are known placeholders.
var blacklistedHWIDs = map[string]struct{}{
	"TEST":             {},
	"TESTHWID":         {},
	"TESTDEVICE":       {},
	"DEMO":             {},
	"UNKNOWN":          {},
	"DEFAULT":          {},
	"NULL":             {},
	"NONE":             {},
	"1234567890":       {},
	"1234567890ABCDEF": {},
	"0123456789ABCDEF": {},
	"ABCDEF0123456789": {},
	"DEADBEEFDEADBEEF": {},
}

// vmTokens are substrings emitted by virtualization tools in place of real hardware ids.
var vmTokens = []string{
	"VMWARE", "VBOX", "VIRTUALBOX", "QEMU", "KVM", "XEN", "HYPERV", "PARALLELS", "BOCHS", "SANDBOX", "TESTHWID",
}

// ValidateHWIDFormat checks hwid against the accepted shapes and returns the
// name of the first shape that matched.
func ValidateHWIDFormat(hwid string) (string, error) {
	if strings.TrimSpace(hwid) == "" {
		return "", NewError(KindValidation, "hwid cannot be empty")
	}
	if len(hwid) > MaxHWIDLength {
		return "", NewError(KindValidation, fmt.Sprintf("hwid exceeds %d characters", MaxHWIDLength))
	}
	for _, shape := range hwidShapes {
		if shape.re.MatchString(hwid) {
			return shape.name, nil
		}
	}
	return "", NewError(KindValidation, "hwid has an unrecognized format")
}

// cleanHWID strips everything but letters and digits and upper-cases the rest.
func cleanHWID(hwid string) string {
	return strings.ToUpper(nonAlnum.ReplaceAllString(hwid, ""))
}

// NormalizeHWID returns the canonical form used for storage and exclusivity checks.
func NormalizeHWID(hwid string) string {
	clean := cleanHWID(hwid)
	if len(clean) == 16 {
		return clean[0:4] + "-" + clean[4:8] + "-" + clean[8:12] + "-" + clean[12:16]
	}
	return clean
}

// RiskSeverity tells the caller whether a finding blocks by default.
type RiskSeverity string

const (
	RiskBlock RiskSeverity = "block"
	RiskWarn  RiskSeverity = "warn"
)

// RiskReason is a single heuristic finding.
type RiskReason struct {
	Code     string       `json:"code"`
	Message  string       `json:"message"`
	Severity RiskSeverity `json:"severity"`
}

// RiskAssessment is the result of AssessHWIDRisk.
type RiskAssessment struct {
	Suspicious      bool         `json:"suspicious"`
	Reasons         []RiskReason `json:"reasons,omitempty"`
	Entropy         float64      `json:"entropy"`
	RepetitionRatio float64      `json:"repetition_ratio"`
}

// Blocking reports whether any finding blocks regardless of strict mode.
func (r RiskAssessment) Blocking() bool {
	for _, reason := range r.Reasons {
		if reason.Severity == RiskBlock {
			return true
		}
	}
	return false
}

// Codes returns the finding codes, in order.
func (r RiskAssessment) Codes() []string {
	codes := make([]string, 0, len(r.Reasons))
	for _, reason := range r.Reasons {
		codes = append(codes, reason.Code)
	}
	return codes
}

// AssessHWIDRisk runs the blacklist, repetition and entropy heuristics.
func AssessHWIDRisk(hwid string) RiskAssessment {
	clean := cleanHWID(hwid)
	var res RiskAssessment
	if clean == "" {
		res.Suspicious = true
		res.Reasons = append(res.Reasons, RiskReason{Code: "empty", Message: "hwid has no alphanumeric content", Severity: RiskBlock})
		return res
	}

	if isBlacklisted(clean) {
		res.Reasons = append(res.Reasons, RiskReason{Code: "blacklisted", Message: "hwid matches a known placeholder or virtual machine pattern", Severity: RiskBlock})
	}

	res.RepetitionRatio = repetitionRatio(clean)
	if res.RepetitionRatio > repetitionThreshold {
		res.Reasons = append(res.Reasons, RiskReason{
			Code:     "repetitive",
			Message:  fmt.Sprintf("hwid repeats a single character %.0f%% of the time", res.RepetitionRatio*100),
			Severity: RiskBlock,
		})
	}

	res.Entropy = shannonEntropy(clean)
	switch {
	case res.Entropy < lowEntropyThreshold:
		res.Reasons = append(res.Reasons, RiskReason{Code: "low_entropy", Message: fmt.Sprintf("hwid entropy %.2f is unusually low", res.Entropy), Severity: RiskWarn})
	case res.Entropy > highEntropyThreshold:
		res.Reasons = append(res.Reasons, RiskReason{Code: "high_entropy", Message: fmt.Sprintf("hwid entropy %.2f looks synthetically generated", res.Entropy), Severity: RiskWarn})
	}

	res.Suspicious = len(res.Reasons) > 0
	return res
}

func isBlacklisted(clean string) bool {
	if _, ok := blacklistedHWIDs[clean]; ok {
		return true
	}
	if strings.Trim(clean, "0") == "" || strings.Trim(clean, "F") == "" {
		return true
	}
	for _, token := range vmTokens {
		if strings.Contains(clean, token) {
			return true
		}
	}
	return false
}

func repetitionRatio(s string) float64 {
	counts := make(map[rune]int)
	maxCount := 0
	for _, r := range s {
		counts[r]++
		if counts[r] > maxCount {
			maxCount = counts[r]
		}
	}
	return float64(maxCount) / float64(len(s))
}

func shannonEntropy(s string) float64 {
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
