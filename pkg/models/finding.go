package models

// DataType names a class of sensitive data.
type DataType string

const (
	DataCreditCard DataType = "credit_card"
	DataSSN        DataType = "ssn"
	DataEmail      DataType = "email"
	DataAPIKey     DataType = "api_key"
	DataPrivateKey DataType = "private_key"
	DataAWSKey     DataType = "aws_access_key"
	DataAadhaar    DataType = "aadhaar"
	DataIndianPAN  DataType = "indian_pan"
	DataIBAN       DataType = "iban"
)

// Span locates a match inside the classified content.
type Span struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// End returns the exclusive end offset.
func (s Span) End() int {
	return s.Offset + s.Length
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Offset < o.End() && o.Offset < s.End()
}

// Finding is one typed detection. Content is never stored, only its span.
type Finding struct {
	DataType   DataType `json:"data_type"`
	Confidence float64  `json:"confidence"`
	Span       Span     `json:"match_span"`
}

// HighestConfidence returns the maximum confidence across findings, 0 when empty.
func HighestConfidence(findings []Finding) float64 {
	max := 0.0
	for _, f := range findings {
		if f.Confidence > max {
			max = f.Confidence
		}
	}
	return max
}
