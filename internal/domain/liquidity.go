package domain

import "math"

// AddLiquidity agrega amount a ambos lados de un pool binario y recalcula p
// para que la probabilidad no cambie. Devuelve el pool nuevo y la liquidez
// agregada medida como delta de k.
func (pl Pool) AddLiquidity(amount float64) (Pool, float64, error) {
	if !finite(amount) || amount < 0 {
		return pl, 0, Reject(RejectInvalidOrder, "liquidity %v", amount)
	}
	prob := pl.Prob()
	y, n := pl.YES, pl.NO
	newP := prob * (amount + y) / (amount - n*(prob-1) + prob*y)
	next := Pool{YES: y + amount, NO: n + amount, P: newP}
	if !next.Valid() {
		return pl, 0, Reject(RejectNonFinite, "add liquidity %v to pool %v", amount, pl)
	}
	old := Pool{YES: y, NO: n, P: newP}
	return next, next.K() - old.K(), nil
}

// AddLiquidityFixedP agrega amount a un pool con p = 0.5 sin mover la
// probabilidad. Las shares sobrantes del lado rico se descartan y se
// devuelven en thrown para que el llamador decida qué hacer con ellas.
func (pl Pool) AddLiquidityFixedP(amount float64) (next Pool, thrown Pool, err error) {
	if !finite(amount) || amount < 0 {
		return pl, Pool{}, Reject(RejectInvalidOrder, "liquidity %v", amount)
	}
	prob := pl.Prob()
	next = pl
	if prob < 0.5 {
		add := prob / (1 - prob) * amount
		next.YES += amount
		next.NO += add
		thrown.NO = amount - add
	} else {
		add := (1 - prob) / prob * amount
		next.NO += amount
		next.YES += add
		thrown.YES = amount - add
	}
	if !next.Valid() {
		return pl, Pool{}, Reject(RejectNonFinite, "add liquidity %v to pool %v", amount, pl)
	}
	return next, thrown, nil
}

// AddLiquidityIndependent reparte amount en partes iguales entre las
// respuestas activas de un contrato multi independiente.
func AddLiquidityIndependent(answers []Answer, amount float64) ([]Answer, error) {
	out := append([]Answer(nil), answers...)
	active := activeIndexes(out)
	if len(active) == 0 {
		return out, Reject(RejectInsufficientLiquidity, "no active answers")
	}
	each := amount / float64(len(active))
	for _, i := range active {
		next, _, err := out[i].Pool.AddLiquidityFixedP(each)
		if err != nil {
			return answers, err
		}
		out[i].Pool = next
		out[i].TotalLiquidity += each
	}
	return out, nil
}

// AddLiquiditySumToOne agrega amount a un contrato cuyas respuestas suman 1.
// Cada ronda reparte lo que queda entre las respuestas; las NO descartadas en
// una respuesta equivalen a YES en las demás, así que lo recuperable vuelve a
// repartirse hasta que queda menos de Epsilon.
func AddLiquiditySumToOne(answers []Answer, amount float64) ([]Answer, error) {
	out := append([]Answer(nil), answers...)
	active := activeIndexes(out)
	if len(active) == 0 {
		return out, Reject(RejectInsufficientLiquidity, "no active answers")
	}
	for _, i := range active {
		out[i].TotalLiquidity += amount / float64(len(active))
	}
	remaining := amount
	for iter := 0; remaining > Epsilon && iter < maxIterations; iter++ {
		each := remaining / float64(len(active))
		yesThrown := make(map[int]float64, len(active))
		for _, i := range active {
			next, thrown, err := out[i].Pool.AddLiquidityFixedP(each)
			if err != nil {
				return answers, err
			}
			out[i].Pool = next
			yesThrown[i] += thrown.YES
			for _, j := range active {
				if j != i {
					yesThrown[j] += thrown.NO
				}
			}
		}
		remaining = math.Inf(1)
		for _, i := range active {
			remaining = math.Min(remaining, yesThrown[i])
		}
	}
	return out, nil
}

func activeIndexes(answers []Answer) []int {
	var idx []int
	for i := range answers {
		if answers[i].Active() {
			idx = append(idx, i)
		}
	}
	return idx
}
