package coopsync

import "time"

// Backend is the explicit context handed to the interceptor and the sync
// engine: the Local Store and Sync Queue of one client.
type Backend struct {
	Store LocalStore
	Queue SyncQueue
}

// Options configures a Manager and its components. Zero values take defaults.
type Options struct {
	// MaxRetries is the retry budget of new queue entries.
	MaxRetries int
	// PollInterval is the connectivity fallback poll for signals without push.
	PollInterval time.Duration
	// RetryInterval is the first delay before re-draining after transient
	// failures; it doubles up to RetryMaxInterval. Negative disables it.
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
	// IDField is the payload field holding the server-assigned id.
	IDField string
	Logger  Logger
	Now     func() time.Time
}

const (
	DefaultRetryInterval    = 2 * time.Second
	DefaultRetryMaxInterval = time.Minute
	DefaultIDField          = "id"
)

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.RetryInterval == 0 {
		out.RetryInterval = DefaultRetryInterval
	}
	if out.RetryMaxInterval <= 0 {
		out.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if out.IDField == "" {
		out.IDField = DefaultIDField
	}
	if out.Logger == nil {
		out.Logger = defaultLogger()
	}
	if out.Now == nil {
		out.Now = func() time.Time { return time.Now().UTC() }
	}
	return out
}
