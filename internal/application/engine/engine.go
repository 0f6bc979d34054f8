package engine

import (
	"math"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/google/uuid"
)

// DefaultThinMarketBettors es el umbral de apostadores únicos debajo del cual
// un mercado se considera delgado y recibe subsidio más rápido.
const DefaultThinMarketBettors = 50

// Config agrupa los parámetros de pricing que no dependen del contrato.
type Config struct {
	Band              domain.Band
	Fees              domain.FeeSchedule
	PlatformUserID    string
	ThinMarketBettors int
}

// Engine ejecuta las operaciones de pricing sobre un contrato bloqueado.
// Todas reciben *domain.Locked, así que sólo corren con el lock tomado.
type Engine struct {
	cfg   Config
	newID func() string
	now   func() time.Time
}

// Option modifica un Engine al construirlo.
type Option func(*Engine)

// WithClock fija el reloj (tests, replays).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs fija el generador de ids de bets y órdenes.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// New crea un Engine. Una banda inválida se reemplaza por domain.DefaultBand.
func New(cfg Config, opts ...Option) *Engine {
	if !cfg.Band.Valid() {
		cfg.Band = domain.DefaultBand
	}
	if cfg.ThinMarketBettors <= 0 {
		cfg.ThinMarketBettors = DefaultThinMarketBettors
	}
	if cfg.PlatformUserID == "" {
		cfg.PlatformUserID = "platform"
	}
	e := &Engine{cfg: cfg, newID: uuid.NewString, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// QueueAhead devuelve el monto abierto que está delante de bet en la cola
// FIFO de su nivel: mismas respuesta, lado y probabilidad, creado antes.
func QueueAhead(bets []domain.LimitBet, bet domain.LimitBet, now time.Time) float64 {
	total := 0.0
	for _, b := range bets {
		if b.ID == bet.ID || b.AnswerID != bet.AnswerID || b.Outcome != bet.Outcome || !b.Open(now) {
			continue
		}
		if math.Abs(b.LimitProb-bet.LimitProb) > domain.Epsilon {
			continue
		}
		if b.CreatedAt.Before(bet.CreatedAt) || (b.CreatedAt.Equal(bet.CreatedAt) && b.ID < bet.ID) {
			total += b.Remaining()
		}
	}
	return total
}

// TruncateStr trunca un string a maxLen caracteres añadiendo "..." si es necesario.
func TruncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
