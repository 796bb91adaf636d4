// Package client is the panel client core: a long-lived realtime session that
// authenticates with a publishable key or a session token, joins channels, and
// reports everything that happens to registered listeners.
//
// Typical host usage mirrors an activity lifecycle:
//
//	c, err := client.CreateWithPublishableKey(key, userID, transport)
//	c.SetUserDisplayName("Han Solo")
//	c.AddListener(dispatch.Listener{OnSessionAuthTokenInvalid: func() { ... }})
//	c.Connect("sample-app")
//	...
//	c.Disconnect("sample-app")
//	c.Destroy()
//
// All state transitions are serialized by one lock. Operations never block the
// caller; they return a *channels.Pending whose outcome is also reported to
// listeners.
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panel/pkg/channels"
	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/dispatch"
	"github.com/go-go-golems/panel/pkg/realtime"
)

const (
	DefaultReauthWindow      = 30 * time.Second
	DefaultNearingExpiryLead = 60 * time.Second
	DefaultLeaveTimeout      = 5 * time.Second
)

// Identity describes the local user. DisplayName and AvatarURL are
// presentation attributes for the UI; the core only forwards them.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

type options struct {
	reauthWindow      time.Duration
	nearingExpiryLead time.Duration
	leaveTimeout      time.Duration
	retryInitial      time.Duration
	retryMax          time.Duration
	displayName       string
	avatarURL         string
	dispatchOpts      []dispatch.Option
	logger            *zerolog.Logger
	now               func() time.Time
}

type Option func(*options)

// WithReauthWindow bounds how long a session stays Reauthenticating while
// waiting for a refreshed token.
func WithReauthWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reauthWindow = d
		}
	}
}

// WithNearingExpiryLead sets how long before a session token expires the
// nearing-expiry event fires.
func WithNearingExpiryLead(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.nearingExpiryLead = d
		}
	}
}

// WithLeaveTimeout bounds the best-effort leaves sent by DisconnectAll.
func WithLeaveTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaveTimeout = d
		}
	}
}

// WithRefreshBackoff tunes the retry schedule used while reauthenticating.
func WithRefreshBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.retryInitial = initial
		}
		if max >= initial && max > 0 {
			o.retryMax = max
		}
	}
}

func WithDisplayName(name string) Option {
	return func(o *options) { o.displayName = name }
}

func WithAvatarURL(url string) Option {
	return func(o *options) { o.avatarURL = url }
}

// WithExecutor delivers listener callbacks on the host's context, for example
// a UI main loop. Post must queue fn and return without running it.
func WithExecutor(e dispatch.Executor) Option {
	return func(o *options) { o.dispatchOpts = append(o.dispatchOpts, dispatch.WithExecutor(e)) }
}

func WithDiagnosticSink(s dispatch.DiagnosticSink) Option {
	return func(o *options) { o.dispatchOpts = append(o.dispatchOpts, dispatch.WithDiagnosticSink(s)) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Client is one realtime session owned by the host application.
type Client struct {
	mu       sync.Mutex
	state    dispatch.ConnectionState
	epoch    uint64
	cred     credentials.Credential
	credGen  uint64 // bumped by UpdateSessionToken outside a live session
	identity Identity

	transport realtime.Transport
	conn      realtime.Conn
	registry  *channels.Registry
	events    *dispatch.Dispatcher

	ctx        context.Context
	cancel     context.CancelFunc
	sessCtx    context.Context
	sessCancel context.CancelFunc

	// pushed carries tokens handed over with UpdateSessionToken while the
	// refresh loop is waiting.
	pushed      chan credentials.SessionToken
	nearTimer   *time.Timer
	expiryTimer *time.Timer

	opts   options
	logger zerolog.Logger
}

// New builds a client from an already resolved credential. An empty user id is
// replaced with a generated one.
func New(cred credentials.Credential, userID string, transport realtime.Transport, opts ...Option) (*Client, error) {
	if cred == nil {
		return nil, errors.New("credential is nil")
	}
	if transport == nil {
		return nil, errors.New("realtime transport is nil")
	}
	o := options{
		reauthWindow:      DefaultReauthWindow,
		nearingExpiryLead: DefaultNearingExpiryLead,
		leaveTimeout:      DefaultLeaveTimeout,
		retryInitial:      250 * time.Millisecond,
		retryMax:          5 * time.Second,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = uuid.NewString()
	}

	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		state:     dispatch.Disconnected,
		cred:      cred,
		identity:  Identity{UserID: userID, DisplayName: o.displayName, AvatarURL: o.avatarURL},
		transport: transport,
		registry:  channels.NewRegistry(),
		events:    dispatch.New(o.dispatchOpts...),
		ctx:       ctx,
		cancel:    cancel,
		pushed:    make(chan credentials.SessionToken, 1),
		opts:      o,
		logger: logger.With().
			Str("component", "panel-client").
			Str("user_id", userID).
			Str("auth_mode", cred.Mode().String()).
			Logger(),
	}
	return c, nil
}

// CreateWithPublishableKey builds a client that authenticates with a
// publishable key. It fails with *credentials.AuthConfigurationError when the
// key is empty or a placeholder.
func CreateWithPublishableKey(key string, userID string, transport realtime.Transport, opts ...Option) (*Client, error) {
	cred, err := credentials.ResolvePublishableKey(key)
	if err != nil {
		return nil, err
	}
	return New(cred, userID, transport, opts...)
}

// CreateWithSessionToken builds a client that authenticates with a session
// token obtained by the host from its provisioning backend. Pass
// credentials.WithRefresher through tokenOpts to let the client refresh on
// invalidation.
func CreateWithSessionToken(token string, userID string, transport realtime.Transport, tokenOpts []credentials.Option, opts ...Option) (*Client, error) {
	cred, err := credentials.ResolveSessionToken(token, tokenOpts...)
	if err != nil {
		return nil, err
	}
	return New(cred, userID, transport, opts...)
}

// AddListener registers l. Listeners are notified in registration order.
func (c *Client) AddListener(l dispatch.Listener) dispatch.Handle {
	return c.events.Add(l)
}

func (c *Client) RemoveListener(h dispatch.Handle) bool {
	return c.events.Remove(h)
}

func (c *Client) State() dispatch.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Membership(channelID string) dispatch.MembershipState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.State(channelID)
}

// Channels returns every tracked channel and its membership state.
func (c *Client) Channels() map[string]dispatch.MembershipState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Snapshot()
}

func (c *Client) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) Credential() credentials.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

// SetUserDisplayName changes the name shown for the user. It is sent with the
// next authentication.
func (c *Client) SetUserDisplayName(name string) {
	c.mu.Lock()
	c.identity.DisplayName = name
	c.mu.Unlock()
}

func (c *Client) SetUserAvatarURL(url string) {
	c.mu.Lock()
	c.identity.AvatarURL = url
	c.mu.Unlock()
}

// Done is closed once Destroy has run and every teardown event has been
// delivered.
func (c *Client) Done() <-chan struct{} {
	return c.events.Done()
}

func (c *Client) emitLocked(ev dispatch.Event) {
	c.events.Emit(ev)
}

func (c *Client) setStateLocked(s dispatch.ConnectionState, err error) {
	prev := c.state
	c.state = s
	ev := c.logger.Debug()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("from", prev.String()).Str("to", s.String()).Msg("connection state changed")
	c.emitLocked(dispatch.ConnectionStateChanged(s, err))
}

// onlineLocked reports whether channel requests can reach the service.
func (c *Client) onlineLocked() bool {
	return c.conn != nil && (c.state == dispatch.Connected || c.state == dispatch.Reauthenticating)
}

func (c *Client) helloLocked() realtime.Hello {
	return realtime.Hello{
		Credential:  c.cred,
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		AvatarURL:   c.identity.AvatarURL,
	}
}
