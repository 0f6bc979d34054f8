package domain

import (
	"fmt"
	"math"
)

// Pool es el estado de una curva CPMM: reservas YES/NO y el parámetro p.
// Invariante: k = YES^p · NO^(1−p) se conserva en cada trade sin fees.
// Es un valor: todas las operaciones devuelven un pool nuevo.
type Pool struct {
	YES float64
	NO  float64
	P   float64
}

// Prob es la probabilidad YES implícita: p·NO / ((1−p)·YES + p·NO).
func (pl Pool) Prob() float64 {
	den := (1-pl.P)*pl.YES + pl.P*pl.NO
	if den <= 0 {
		return math.NaN()
	}
	return pl.P * pl.NO / den
}

// K es el invariante de la curva.
func (pl Pool) K() float64 {
	return math.Pow(pl.YES, pl.P) * math.Pow(pl.NO, 1-pl.P)
}

// Valid reporta si las reservas y p son finitos y estrictamente positivos.
func (pl Pool) Valid() bool {
	return finite(pl.YES, pl.NO, pl.P) && pl.YES > 0 && pl.NO > 0 && pl.P > 0 && pl.P < 1
}

// Shares devuelve las shares que entrega la curva por amount sin fees.
func (pl Pool) Shares(amount float64, outcome Outcome) float64 {
	if amount == 0 {
		return 0
	}
	y, n, p := pl.YES, pl.NO, pl.P
	k := pl.K()
	if outcome == OutcomeYes {
		return y + amount - math.Pow(k*math.Pow(amount+n, p-1), 1/p)
	}
	return n + amount - math.Pow(k*math.Pow(amount+y, -p), 1/(1-p))
}

// Buy compra outcome por amount (sin fees) y devuelve el pool resultante y
// las shares entregadas.
func (pl Pool) Buy(amount float64, outcome Outcome) (Pool, float64, error) {
	if !finite(amount) || amount < 0 {
		return pl, 0, Reject(RejectInvalidOrder, "amount %v", amount)
	}
	shares := pl.Shares(amount, outcome)
	next := pl
	if outcome == OutcomeYes {
		next.YES = pl.YES - shares + amount
		next.NO = pl.NO + amount
	} else {
		next.YES = pl.YES + amount
		next.NO = pl.NO - shares + amount
	}
	if !finite(shares) || !next.Valid() {
		return pl, 0, Reject(RejectNonFinite, "buy %v %s on pool %+v", amount, outcome, pl)
	}
	return next, shares, nil
}

// Sell vende shares de outcome contra la curva y devuelve el pool resultante
// y el dinero M que sale del pool. Es la inversa algebraica de Buy: para YES
// resuelve (YES + s − M)^p · (NO − M)^(1−p) = k.
func (pl Pool) Sell(shares float64, outcome Outcome) (Pool, float64, error) {
	if !finite(shares) || shares < 0 {
		return pl, 0, Reject(RejectInvalidOrder, "shares %v", shares)
	}
	if shares == 0 {
		return pl, 0, nil
	}
	y, n, p := pl.YES, pl.NO, pl.P
	// a es la reserva que recibe las shares, b la del otro lado.
	a, b := y+shares, n
	if outcome == OutcomeNo {
		a, b = n+shares, y
	}
	var m float64
	if p == 0.5 {
		// (a − M)(b − M) = y·n, raíz menor
		sum := a + b
		disc := sum*sum - 4*(a*b-y*n)
		m = (sum - math.Sqrt(disc)) / 2
	} else {
		pa, pb := p, 1-p
		if outcome == OutcomeNo {
			pa, pb = 1-p, p
		}
		logK := math.Log(pl.K())
		upper := math.Min(a, b)
		lo, hi := bisect(0, upper, 200, func(x float64) bool {
			return pa*math.Log(a-x)+pb*math.Log(b-x) < logK
		})
		m = (lo + hi) / 2
	}
	next := pl
	if outcome == OutcomeYes {
		next.YES, next.NO = a-m, b-m
	} else {
		next.YES, next.NO = b-m, a-m
	}
	if !finite(m) || m < 0 || !next.Valid() {
		return pl, 0, Reject(RejectNonFinite, "sell %v %s on pool %+v", shares, outcome, pl)
	}
	return next, m, nil
}

// AmountToProb devuelve el dinero (sin fees) que lleva la probabilidad YES
// del pool hasta prob comprando outcome. Devuelve 0 si el pool ya está en o
// más allá de prob, e +Inf si prob no está en (0,1).
func (pl Pool) AmountToProb(prob float64, outcome Outcome) float64 {
	if !(prob > 0 && prob < 1) {
		return math.Inf(1)
	}
	p := pl.P
	k := pl.K()
	r := p * (1 - prob) / (prob * (1 - p))
	var amount float64
	if outcome == OutcomeYes {
		amount = k*math.Pow(r, -p) - pl.NO
	} else {
		amount = k*math.Pow(r, 1-p) - pl.YES
	}
	if amount < 0 {
		return 0
	}
	return amount
}

// AmountForShares es la inversa de Shares: el dinero sin fees que compra
// exactamente shares de outcome.
func (pl Pool) AmountForShares(shares float64, outcome Outcome) float64 {
	if shares <= 0 {
		return 0
	}
	y, n := pl.YES, pl.NO
	if pl.P == 0.5 {
		other := n
		if outcome == OutcomeNo {
			other = y
		}
		d := y + n - shares
		return (shares - y - n + math.Sqrt(4*other*shares+d*d)) / 2
	}
	// Cada share cuesta menos de 1, así que el monto está en [0, shares].
	lo, hi := bisect(0, shares, 200, func(x float64) bool {
		return pl.Shares(x, outcome) >= shares
	})
	return (lo + hi) / 2
}

func (pl Pool) String() string {
	return fmt.Sprintf("{YES:%.4f NO:%.4f p:%.4f prob:%.4f}", pl.YES, pl.NO, pl.P, pl.Prob())
}

// Band es el rango de probabilidades que un trade puede dejar. Un trade que
// lo cruza se rechaza entero; nunca se recorta.
type Band struct {
	Min float64
	Max float64
}

// DefaultBand es la banda por defecto del motor.
var DefaultBand = Band{Min: 0.01, Max: 0.99}

// Contains reporta si prob está dentro de la banda, con tolerancia.
func (b Band) Contains(prob float64) bool {
	return approxGreaterEqual(prob, b.Min) && approxLessEqual(prob, b.Max)
}

// Valid reporta si la banda está estrictamente dentro de (0,1).
func (b Band) Valid() bool {
	return b.Min > 0 && b.Max < 1 && b.Min < b.Max
}

// Edge devuelve el extremo de la banda hacia el que empuja una compra de outcome.
func (b Band) Edge(outcome Outcome) float64 {
	if outcome == OutcomeYes {
		return b.Max
	}
	return b.Min
}
