package domain

// Calculator prices a fee request. Implementations are pure.
type Calculator interface {
	Calculate(req Request) (Result, error)
}

// Validation codes reported on fee requests.
const (
	CodeRequired          = "required"
	CodeMustBePositive    = "must_be_positive"
	CodeMustNotBeNegative = "must_not_be_negative"
	CodeUnsupported       = "unsupported_value"
	CodeOutOfRange        = "out_of_range"
	CodeMissingComponent  = "hybrid_requires_component"
)
