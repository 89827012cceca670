package quota

// Operation is a billable product action the estimator knows a rate for.
type Operation string

const (
	OpSendEmail     Operation = "send_email"
	OpGenerateImage Operation = "generate_image"
	OpGenerateText  Operation = "generate_text"
)

// Fixed token rates. Changing a rate is a catalog decision, not a runtime one.
const (
	tokensPerEmail      = 1
	tokensPerImage      = 500
	tokensPer1000Words  = 10
	wordsPerTokenBucket = 1000
)

// Estimate maps an operation to its token cost. Pure function over the fixed
// rate table; quantity is emails to send, images to generate, or words of
// text to generate depending on the operation. Unknown operations and
// non-positive quantities cost zero.
func Estimate(op Operation, quantity int64) int64 {
	if quantity <= 0 {
		return 0
	}
	switch op {
	case OpSendEmail:
		return quantity * tokensPerEmail
	case OpGenerateImage:
		return quantity * tokensPerImage
	case OpGenerateText:
		// Ceiling division: any started 1000-word bucket is charged whole.
		buckets := (quantity + wordsPerTokenBucket - 1) / wordsPerTokenBucket
		return buckets * tokensPer1000Words
	default:
		return 0
	}
}
