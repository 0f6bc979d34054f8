package domain

// Fees es el desglose de fees de un fill o de un trade completo.
type Fees struct {
	CreatorFee   float64
	PlatformFee  float64
	LiquidityFee float64
}

// Total suma los tres componentes.
func (f Fees) Total() float64 {
	return f.CreatorFee + f.PlatformFee + f.LiquidityFee
}

// Add suma dos desgloses.
func (f Fees) Add(o Fees) Fees {
	return Fees{
		CreatorFee:   f.CreatorFee + o.CreatorFee,
		PlatformFee:  f.PlatformFee + o.PlatformFee,
		LiquidityFee: f.LiquidityFee + o.LiquidityFee,
	}
}

// Scale multiplica cada componente por x.
func (f Fees) Scale(x float64) Fees {
	return Fees{
		CreatorFee:   f.CreatorFee * x,
		PlatformFee:  f.PlatformFee * x,
		LiquidityFee: f.LiquidityFee * x,
	}
}

// CapTo reduce el desglose proporcionalmente para que el total no supere max.
func (f Fees) CapTo(max float64) Fees {
	total := f.Total()
	if total <= max {
		return f
	}
	if max <= 0 || total <= 0 {
		return Fees{}
	}
	return f.Scale(max / total)
}

// FeeSchedule define la fee de taker y cómo se reparte. La plataforma se
// queda con lo que no va al creador ni a la liquidez.
type FeeSchedule struct {
	TakerRate      float64
	CreatorShare   float64
	LiquidityShare float64
}

// DefaultFeeSchedule es la fee por defecto: 7% de q(1−q) por share, mitad
// para el creador del mercado.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{TakerRate: 0.07, CreatorShare: 0.5}
}

// Zero reporta si el schedule no cobra nada.
func (s FeeSchedule) Zero() bool {
	return s.TakerRate <= 0
}

// FillQuote describe un fill antes de fees: el dinero que entra al fill y
// las shares que salen.
type FillQuote struct {
	Amount float64
	Shares float64
}

// ForFill calcula la fee de taker de un fill: TakerRate · q · (1−q) · shares,
// con q el precio promedio del fill. Es la misma para fills contra la curva y
// contra makers.
func (s FeeSchedule) ForFill(q FillQuote) Fees {
	if s.Zero() || q.Shares <= 0 || q.Amount <= 0 {
		return Fees{}
	}
	avg := q.Amount / q.Shares
	if avg >= 1 {
		return Fees{}
	}
	return s.Split(s.TakerRate * avg * (1 - avg) * q.Shares)
}

// Split reparte un total de fees según el schedule.
func (s FeeSchedule) Split(total float64) Fees {
	creator := total * s.CreatorShare
	liquidity := total * s.LiquidityShare
	return Fees{
		CreatorFee:   creator,
		LiquidityFee: liquidity,
		PlatformFee:  total - creator - liquidity,
	}
}
