package tokens

import "context"

const (
	charsPerToken   = 4.0
	messageOverhead = 4  // role plus separators, in characters
	toolOverhead    = 50 // schema framing, in characters
)

// CharEstimator approximates tokens from character counts. It supports every
// model.
type CharEstimator struct {
	CharsPerToken float64
}

// NewCharEstimator creates an estimator at four characters per token.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{CharsPerToken: charsPerToken}
}

func (e *CharEstimator) Count(_ context.Context, req *Request) (Count, error) {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Role) + len(m.Content) + len(m.Name) + messageOverhead
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + toolOverhead
	}
	return Count{Tokens: e.tokens(chars), Estimated: true}, nil
}

func (e *CharEstimator) CountText(_, text string) (int, error) {
	return e.tokens(len(text)), nil
}

func (e *CharEstimator) Supports(string) bool { return true }

func (e *CharEstimator) tokens(chars int) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = charsPerToken
	}
	return int(float64(chars) / per)
}
