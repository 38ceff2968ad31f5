package collab

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"satukolab/pkg/eventbus"
	"satukolab/pkg/model"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

var validate = validator.New()

// Options configures a Session. Identity is the acting user; the hub takes
// the authoritative id from the token, so the two must agree.
type Options struct {
	URL      string `validate:"required,url"`
	Entity   model.EntityRef
	Identity model.Identity
	Token    string
	Header   http.Header       `validate:"-"`
	Dialer   *websocket.Dialer `validate:"-"`

	Logger *zap.Logger `validate:"-"`
	// Bus receives the decoded channel events. A private bus is created
	// when nil.
	Bus *eventbus.Bus `validate:"-"`

	RequestTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Clock is used for lease arithmetic on the local mirror.
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

func (o Options) validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid session options: %w", err)
	}
	return nil
}

// newBackOff doubles from InitialBackoff up to MaxBackoff and never gives up.
func (o Options) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = o.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
