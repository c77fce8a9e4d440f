// Package glicko implements the Glicko-2 rating update as a pure
// function over one player's state and a list of opponent results.
package glicko

import "math"

const (
	// Tau is the system constant constraining volatility change
	Tau = 0.5
	// DefaultRating is the starting rating on the original scale
	DefaultRating = 1500.0
	// DefaultRD is the starting rating deviation
	DefaultRD = 350.0
	// DefaultVolatility is the starting volatility
	DefaultVolatility = 0.06

	// ScaleFactor converts between the original and Glicko-2 scales
	ScaleFactor = 173.7178

	epsilon = 1e-6
)

// Rating is a player's Glicko-2 state on the original scale
type Rating struct {
	Rating float64
	RD     float64
	Sigma  float64
}

// NewRating returns the default state for an unrated player
func NewRating() Rating {
	return Rating{Rating: DefaultRating, RD: DefaultRD, Sigma: DefaultVolatility}
}

// Result is one opponent's rating and the score against them
// (1 = win, 0.5 = draw, 0 = loss).
type Result struct {
	Opponent Rating
	Score    float64
}

// Update applies the Glicko-2 update for one rating period. With no
// results the only effect is RD decay, capped at the default RD.
func Update(player Rating, results []Result) Rating {
	mu := (player.Rating - DefaultRating) / ScaleFactor
	phi := player.RD / ScaleFactor
	sigma := player.Sigma

	if len(results) == 0 {
		phiPrime := math.Sqrt(phi*phi + sigma*sigma)
		rd := phiPrime * ScaleFactor
		if rd > DefaultRD {
			rd = DefaultRD
		}
		return Rating{Rating: player.Rating, RD: rd, Sigma: sigma}
	}

	// Steps 1-3: estimated variance and improvement
	var vInv, deltaSum float64
	for _, res := range results {
		muJ := (res.Opponent.Rating - DefaultRating) / ScaleFactor
		phiJ := res.Opponent.RD / ScaleFactor

		gJ := g(phiJ)
		eJ := expectedScore(mu, muJ, phiJ)

		vInv += gJ * gJ * eJ * (1 - eJ)
		deltaSum += gJ * (res.Score - eJ)
	}
	v := 1 / vInv
	delta := v * deltaSum

	// Step 4: new volatility via Illinois iteration
	newSigma := solveVolatility(delta, phi, v, sigma)

	// Step 5: new deviation and rating
	phiStar := math.Sqrt(phi*phi + newSigma*newSigma)
	phiPrime := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	muPrime := mu + phiPrime*phiPrime*deltaSum

	return Rating{
		Rating: muPrime*ScaleFactor + DefaultRating,
		RD:     phiPrime * ScaleFactor,
		Sigma:  newSigma,
	}
}

func g(phi float64) float64 {
	return 1 / math.Sqrt(1+3*phi*phi/(math.Pi*math.Pi))
}

func expectedScore(mu, muJ, phiJ float64) float64 {
	return 1 / (1 + math.Exp(-g(phiJ)*(mu-muJ)))
}

// solveVolatility finds the new volatility by root-finding
// f(x) = e^x(delta^2 - phi^2 - v - e^x) / (2(phi^2 + v + e^x)^2) - (x-a)/tau^2
// with the Illinois variant of regula falsi. Stateless; no allocation
// in the iteration loop.
func solveVolatility(delta, phi, v, sigma float64) float64 {
	a := math.Log(sigma * sigma)

	f := func(x float64) float64 {
		ex := math.Exp(x)
		d2 := delta * delta
		num := ex * (d2 - phi*phi - v - ex)
		den := 2 * (phi*phi + v + ex) * (phi*phi + v + ex)
		return num/den - (x-a)/(Tau*Tau)
	}

	// Bracket the root
	A := a
	var B float64
	if delta*delta > phi*phi+v {
		B = math.Log(delta*delta - phi*phi - v)
	} else {
		k := 1.0
		for f(a-k*Tau) < 0 {
			k++
		}
		B = a - k*Tau
	}

	fA := f(A)
	fB := f(B)

	for math.Abs(B-A) > epsilon {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C)

		if fC*fB < 0 {
			A = B
			fA = fB
		} else {
			fA = fA / 2
		}

		B = C
		fB = fC
	}

	return math.Exp(A / 2)
}
