// Package verification generates the arithmetic challenges used to gate
// first contact with the bot.
package verification

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

const (
	// OptionCount is how many answer options a challenge carries; exactly
	// one of them matches the answer.
	OptionCount = 4

	// AnswerEpsilon is the tolerance for comparing a submitted option
	// against the stored answer.
	AnswerEpsilon = 1e-6

	minAnswer    = 0.01
	maxAnswer    = 100
	minOptionGap = 0.1

	maxRetries     = 100
	maxOptionDraws = 1000
)

// ErrExhausted means no valid question could be drawn within the retry
// budget. This signals an internal invariant violation, not user error.
var ErrExhausted = errors.New("verification: exhausted retries generating a question")

// Challenge is one generated puzzle. Options are shuffled so the position of
// the correct answer is not predictable.
type Challenge struct {
	Question string
	Answer   float64
	Options  []float64
}

var (
	powers    = []int{-3, -2, 2, 3}
	primes    = []int{2, 3, 5, 7, 11, 13, 17, 19}
	operators = []string{"+", "-", "*"}
)

// Generate draws a new challenge: a reduced fraction, an integer power and a
// coefficient times the square root of a prime, joined by two distinct
// operators. Draws whose answer falls outside the human-tractable range are
// rejected and retried.
func Generate() (*Challenge, error) {
	for i := 0; i < maxRetries; i++ {
		c, ok := draw()
		if ok {
			return c, nil
		}
	}
	return nil, ErrExhausted
}

func draw() (*Challenge, bool) {
	numerator := drawTerm(2, 10)
	denominator := drawDenominator(numerator)
	base := drawTerm(2, 10)
	exponent := powers[rand.Intn(len(powers))]
	coefficient := drawTerm(2, 5)
	prime := primes[rand.Intn(len(primes))]

	op1 := operators[rand.Intn(len(operators))]
	op2 := op1
	for op2 == op1 {
		op2 = operators[rand.Intn(len(operators))]
	}

	answer, ok := compute(numerator, denominator, base, exponent, coefficient, prime, op1, op2)
	if !ok {
		return nil, false
	}

	options, ok := drawOptions(answer)
	if !ok {
		return nil, false
	}

	return &Challenge{
		Question: render(numerator, denominator, base, exponent, coefficient, prime, op1, op2),
		Answer:   answer,
		Options:  options,
	}, true
}

// drawTerm picks an integer with magnitude in [lo, hi], either sign.
func drawTerm(lo, hi int) int {
	n := lo + rand.Intn(hi-lo+1)
	if rand.Intn(2) == 0 {
		return -n
	}
	return n
}

// drawDenominator picks a term coprime with the numerator and of different
// magnitude, so the fraction is reduced and never ±1.
func drawDenominator(numerator int) int {
	for {
		d := drawTerm(2, 10)
		if abs(d) != abs(numerator) && gcd(abs(numerator), abs(d)) == 1 {
			return d
		}
	}
}

func compute(numerator, denominator, base, exponent, coefficient, prime int, op1, op2 string) (float64, bool) {
	fraction := float64(numerator) / float64(denominator)
	powerTerm := math.Pow(float64(base), float64(exponent))
	sqrtTerm := float64(coefficient) * math.Sqrt(float64(prime))

	var answer float64
	if op2 == "*" {
		// Multiplication binds the power and root terms first.
		answer = apply(op1, fraction, powerTerm*sqrtTerm)
	} else {
		answer = apply(op2, apply(op1, fraction, powerTerm), sqrtTerm)
	}

	answer = round2(answer)
	if math.IsNaN(answer) || math.IsInf(answer, 0) {
		return 0, false
	}
	if math.Abs(answer) < minAnswer || math.Abs(answer) > maxAnswer {
		return 0, false
	}
	return answer, true
}

func apply(op string, x, y float64) float64 {
	switch op {
	case "+":
		return x + y
	case "-":
		return x - y
	default:
		return x * y
	}
}

func render(numerator, denominator, base, exponent, coefficient, prime int, op1, op2 string) string {
	fractionStr := fmt.Sprintf("(%d/%d)", numerator, denominator)

	baseStr := fmt.Sprintf("%d", base)
	if base < 0 {
		baseStr = fmt.Sprintf("(%d)", base)
	}
	var powerStr string
	if exponent < 0 {
		powerStr = fmt.Sprintf("%s^{-%d}", baseStr, -exponent)
	} else {
		powerStr = fmt.Sprintf("%s^%d", baseStr, exponent)
	}

	var sqrtStr string
	switch {
	case coefficient == 1:
		sqrtStr = fmt.Sprintf("√%d", prime)
	case coefficient == -1:
		sqrtStr = fmt.Sprintf("-√%d", prime)
	case coefficient < 0:
		sqrtStr = fmt.Sprintf("(%d√%d)", coefficient, prime)
	default:
		sqrtStr = fmt.Sprintf("%d√%d", coefficient, prime)
	}

	if op2 == "*" {
		return fmt.Sprintf("%s %s (%s %s %s)", fractionStr, display(op1), powerStr, display(op2), sqrtStr)
	}
	return fmt.Sprintf("(%s %s %s) %s %s", fractionStr, display(op1), powerStr, display(op2), sqrtStr)
}

func display(op string) string {
	if op == "*" {
		return "×"
	}
	return op
}

// drawOptions builds the shuffled option list: the answer plus three
// distractors, every pair at least minOptionGap apart, all within the
// answer magnitude bounds.
func drawOptions(answer float64) ([]float64, bool) {
	options := []float64{answer}
	for i := 0; len(options) < OptionCount && i < maxOptionDraws; i++ {
		offset := rand.Float64()*2 - 1
		wrong := round2(answer + offset)
		if acceptOption(wrong, options) {
			options = append(options, wrong)
		}
	}
	if len(options) < OptionCount {
		return nil, false
	}
	rand.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})
	return options, true
}

func acceptOption(candidate float64, existing []float64) bool {
	if math.Abs(candidate) < minAnswer || math.Abs(candidate) > maxAnswer {
		return false
	}
	for _, o := range existing {
		if math.Abs(candidate-o) < minOptionGap {
			return false
		}
	}
	return true
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
