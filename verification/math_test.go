package verification

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateProperties(t *testing.T) {
	t.Parallel()

	for i := 0; i < 500; i++ {
		ch, err := Generate()
		require.NoError(t, err)

		require.NotEmpty(t, ch.Question)
		require.Contains(t, ch.Question, "√")

		require.GreaterOrEqual(t, math.Abs(ch.Answer), minAnswer)
		require.LessOrEqual(t, math.Abs(ch.Answer), float64(maxAnswer))
		require.Equal(t, round2(ch.Answer), ch.Answer, "answers are rounded to two decimals")

		require.Len(t, ch.Options, OptionCount)
		matches := 0
		for _, opt := range ch.Options {
			require.GreaterOrEqual(t, math.Abs(opt), minAnswer)
			require.LessOrEqual(t, math.Abs(opt), float64(maxAnswer))
			if math.Abs(opt-ch.Answer) < AnswerEpsilon {
				matches++
			}
		}
		require.Equal(t, 1, matches, "exactly one option is the answer")

		for i := range ch.Options {
			for j := i + 1; j < len(ch.Options); j++ {
				require.GreaterOrEqual(t, math.Abs(ch.Options[i]-ch.Options[j]), minOptionGap-1e-9,
					"options %v are too close to tell apart", ch.Options)
			}
		}
	}
}

func TestComputePrecedence(t *testing.T) {
	t.Parallel()

	// With a trailing multiplication the power and root terms bind first:
	// 1/2 + (2^2 × 2√4) = 0.5 + 16.
	answer, ok := compute(1, 2, 2, 2, 2, 4, "+", "*")
	require.True(t, ok)
	require.InDelta(t, 16.5, answer, 1e-9)

	// Otherwise evaluation is left to right: (1/2 × 2^2) + 2√4 = 2 + 4.
	answer, ok = compute(1, 2, 2, 2, 2, 4, "*", "+")
	require.True(t, ok)
	require.InDelta(t, 6, answer, 1e-9)
}

func TestComputeRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	// 9/2 × 10^3 × 5√19 is far beyond anything a human should eyeball.
	_, ok := compute(9, 2, 10, 3, 5, 19, "*", "+")
	require.False(t, ok)
}

func TestRenderNotation(t *testing.T) {
	t.Parallel()

	require.Equal(t, "(1/2) + (2^{-2} × (-3√5))", render(1, 2, 2, -2, -3, 5, "+", "*"))
	require.Equal(t, "((3/4) - (-2)^3) + 2√7", render(3, 4, -2, 3, 2, 7, "-", "+"))
}

func TestDrawDenominatorIsCoprime(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		numerator := drawTerm(2, 10)
		denominator := drawDenominator(numerator)
		require.NotZero(t, denominator)
		require.NotEqual(t, abs(numerator), abs(denominator), "the fraction never reduces to ±1")
		require.Equal(t, 1, gcd(abs(numerator), abs(denominator)), "the fraction is already reduced")
	}
}
