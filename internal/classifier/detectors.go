package classifier

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// ScoreFunc computes the confidence of one regex match. loc is the
// [start, end) byte range inside content. A score of 0 discards the match.
type ScoreFunc func(content []byte, loc []int) float64

// Detector matches one data type.
type Detector struct {
	DataType models.DataType
	Pattern  *regexp.Regexp
	Score    ScoreFunc
}

// Fixed returns a ScoreFunc that always yields c.
func Fixed(c float64) ScoreFunc {
	return func([]byte, []int) float64 { return c }
}

// DefaultDetectors returns the built-in detector set in evaluation order.
func DefaultDetectors() []Detector {
	return []Detector{
		{
			DataType: models.DataCreditCard,
			Pattern:  regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			Score:    scoreCreditCard,
		},
		{
			DataType: models.DataSSN,
			Pattern:  regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Score:    scoreSSN,
		},
		{
			DataType: models.DataEmail,
			Pattern:  regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			Score:    Fixed(0.6),
		},
		{
			DataType: models.DataAPIKey,
			Pattern:  regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret[_-]?key|access[_-]?token|password)\s*[:=]\s*['"]?[A-Za-z0-9_\-./+]{8,}`),
			Score:    Fixed(0.8),
		},
		{
			DataType: models.DataPrivateKey,
			Pattern:  regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |ENCRYPTED )?PRIVATE KEY-----`),
			Score:    Fixed(0.99),
		},
		{
			DataType: models.DataAWSKey,
			Pattern:  regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
			Score:    Fixed(0.9),
		},
		{
			DataType: models.DataAadhaar,
			Pattern:  regexp.MustCompile(`\b[2-9]\d{3}\s?\d{4}\s?\d{4}\b`),
			Score:    scoreAadhaar,
		},
		{
			DataType: models.DataIndianPAN,
			Pattern:  regexp.MustCompile(`\b[A-Z]{5}\d{4}[A-Z]\b`),
			Score:    Fixed(0.75),
		},
		{
			DataType: models.DataIBAN,
			Pattern:  regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
			Score:    scoreIBAN,
		},
	}
}

func digitsOf(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c >= '0' && c <= '9' {
			out = append(out, c)
		}
	}
	return out
}

func scoreCreditCard(content []byte, loc []int) float64 {
	if luhnValid(digitsOf(content[loc[0]:loc[1]])) {
		return 0.95
	}
	return 0.4
}

func luhnValid(digits []byte) bool {
	if len(digits) < 12 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func scoreSSN(content []byte, loc []int) float64 {
	s := string(content[loc[0]:loc[1]])
	area, group, serial := s[0:3], s[4:6], s[7:11]
	if area == "000" || area == "666" || area[0] == '9' || group == "00" || serial == "0000" {
		return 0.3
	}
	return 0.85
}

// scoreAadhaar rejects 12-digit runs that are part of a longer number.
func scoreAadhaar(content []byte, loc []int) float64 {
	if digitAdjacent(content, loc[0], -1) || digitAdjacent(content, loc[1]-1, 1) {
		return 0
	}
	return 0.7
}

func digitAdjacent(content []byte, pos, dir int) bool {
	i := pos + dir
	if i >= 0 && i < len(content) && (content[i] == ' ' || content[i] == '-') {
		i += dir
	}
	return i >= 0 && i < len(content) && content[i] >= '0' && content[i] <= '9'
}

func scoreIBAN(content []byte, loc []int) float64 {
	if ibanValid(string(content[loc[0]:loc[1]])) {
		return 0.9
	}
	return 0.3
}

func ibanValid(s string) bool {
	s = strings.ToUpper(s)
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var sb strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			sb.WriteString(big.NewInt(int64(r - 'A' + 10)).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(sb.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
