package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// Epsilon es la tolerancia única para comparar montos, shares y probabilidades.
// Todo el motor compara contra esta constante; no hay otras tolerancias sueltas.
const Epsilon = 1e-7

// MoneyPlaces es la escala fija con la que se redondea el dinero al salir del motor.
const MoneyPlaces = 8

// maxIterations acota todos los loops numéricos (matcher, bisecciones).
const maxIterations = 1000

// Money convierte un monto de punto flotante a decimal con escala fija.
// Se usa en el borde del ledger: los postings nunca viajan como float64.
func Money(x float64) decimal.Decimal {
	return decimal.NewFromFloat(x).Round(MoneyPlaces)
}

func finite(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

func approxGreaterEqual(a, b float64) bool {
	return a > b || approxEqual(a, b)
}

func approxLessEqual(a, b float64) bool {
	return a < b || approxEqual(a, b)
}

// bisect busca el borde de un predicado monótono en [lo, hi]: past(lo) es
// falso y past(hi) verdadero. Devuelve el intervalo final.
func bisect(lo, hi float64, iterations int, past func(x float64) bool) (float64, float64) {
	for i := 0; i < iterations; i++ {
		mid := (lo + hi) / 2
		if mid <= lo || mid >= hi {
			break
		}
		if past(mid) {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo, hi
}
