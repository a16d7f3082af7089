package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"
)

// SessionState is the authentication state of a Session.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// membersCacheTTL bounds staleness of the joined-members cache. Short,
// because membership changes are exactly what callers poll for.
const membersCacheTTL = 2 * time.Second

// Session is one authenticated identity against one homeserver. It is
// created unauthenticated by Client.NewSession and driven through
// UNAUTHENTICATED -> AUTHENTICATING -> AUTHENTICATED by Login. Destroy
// is terminal and reachable from any state.
//
// Operations issued sequentially on the same Session and awaited in
// order execute in that order. The Session serializes nothing itself:
// two concurrent un-awaited writes to the same state key race at the
// server. Sessions are independent; the underlying Client and its
// transport may be shared, but a Session's token and sync cursor belong
// to it alone.
type Session struct {
	client *Client

	mu          sync.Mutex
	state       SessionState
	accessToken string
	userID      string
	deviceID    string
	nextBatch   string

	// ctx is canceled by Destroy so that any in-flight call, in
	// particular a WaitForEvents long-poll, settles instead of hanging.
	ctx    context.Context
	cancel context.CancelFunc

	membersCache *ttlcache.Cache[string, map[string]MemberProfile]
}

// NewSession returns a fresh unauthenticated session. A fresh session
// never carries credentials from a previous process.
func (c *Client) NewSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client: c,
		state:  StateUnauthenticated,
		ctx:    ctx,
		cancel: cancel,
		membersCache: ttlcache.New[string, map[string]MemberProfile](
			ttlcache.WithTTL[string, map[string]MemberProfile](membersCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, map[string]MemberProfile](),
		),
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the user ID captured at login, or "" before login.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// DeviceID returns the device ID issued at login, or "" before login.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// AccessToken returns the bearer token, or "" when unauthenticated.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// requestContext derives a context for one network call that is also
// canceled when the session is destroyed. The returned stop func must
// be called to release the watcher.
func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// token returns the access token after checking that op is legal in the
// current state.
func (s *Session) token(op string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return "", &IllegalStateError{Op: op, State: s.state}
	}
	return s.accessToken, nil
}

// Login exchanges credentials for an access token. Valid only from
// UNAUTHENTICATED. On success the session holds the token, user ID and
// device ID and is AUTHENTICATED; on any failure it reverts to
// UNAUTHENTICATED and the error classifies as authentication failure or
// surfaces the transport fault. Returns the session itself so callers
// can rebind in one expression.
func (s *Session) Login(ctx context.Context, username, password string) (*Session, error) {
	s.mu.Lock()
	if s.state != StateUnauthenticated {
		state := s.state
		s.mu.Unlock()
		return nil, &IllegalStateError{Op: "login", State: state}
	}
	s.state = StateAuthenticating
	s.mu.Unlock()

	ctx, stop := s.requestContext(ctx)
	defer stop()

	reqBody := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": username,
		},
		"password": password,
	}
	body, err := s.client.doRequest(ctx, "login", "POST", "/_matrix/client/v3/login", "", nil, reqBody)
	if err != nil {
		s.setState(StateUnauthenticated)
		return nil, fmt.Errorf("login: %w", &AuthenticationFailedError{Err: err})
	}

	res := gjson.ParseBytes(body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return nil, &IllegalStateError{Op: "login", State: StateDestroyed}
	}
	s.accessToken = res.Get("access_token").Str
	s.userID = res.Get("user_id").Str
	s.deviceID = res.Get("device_id").Str
	s.state = StateAuthenticated

	s.client.logger.Info().
		Str("user_id", s.userID).
		Str("device_id", s.deviceID).
		Msg("logged in")
	return s, nil
}

// RegisterRequest is the body of a registration call.
type RegisterRequest struct {
	Username                 string `json:"username"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
	InhibitLogin             bool   `json:"inhibit_login,omitempty"`
}

// RegisterResponse carries the server-assigned identity. AccessToken
// and DeviceID are empty when the request inhibited login.
type RegisterResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

// Register creates an account of the given kind ("user" or "guest").
// It does not transition session state: the caller decides whether to
// adopt the issued token. When the server answers with a UIAA flow
// offering m.login.dummy, the stage is completed transparently with one
// retry; any other flow requirement surfaces as the server's error.
func (s *Session) Register(ctx context.Context, req RegisterRequest, kind string) (*RegisterResponse, error) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil, &IllegalStateError{Op: "register", State: StateDestroyed}
	}
	s.mu.Unlock()

	ctx, stop := s.requestContext(ctx)
	defer stop()

	query := url.Values{}
	if kind != "" {
		query.Set("kind", kind)
	}
	body, err := s.client.doRequest(ctx, "register", "POST", "/_matrix/client/v3/register", "", query, req)
	if err != nil {
		// A 401 with a session ID is the UIAA handshake, not a failure.
		// Complete the dummy stage if the server offers it.
		matrixish := gjson.ParseBytes(body)
		session := matrixish.Get("session").Str
		if session == "" || !uiaaOffersDummy(matrixish) {
			return nil, fmt.Errorf("register: %w", err)
		}
		withAuth := struct {
			RegisterRequest
			Auth map[string]string `json:"auth"`
		}{
			RegisterRequest: req,
			Auth: map[string]string{
				"type":    "m.login.dummy",
				"session": session,
			},
		}
		body, err = s.client.doRequest(ctx, "register", "POST", "/_matrix/client/v3/register", "", query, withAuth)
		if err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}
	}

	res := gjson.ParseBytes(body)
	response := &RegisterResponse{
		UserID:      res.Get("user_id").Str,
		AccessToken: res.Get("access_token").Str,
		DeviceID:    res.Get("device_id").Str,
	}
	s.client.logger.Info().Str("user_id", response.UserID).Msg("registered account")
	return response, nil
}

func uiaaOffersDummy(res gjson.Result) bool {
	for _, flow := range res.Get("flows").Array() {
		stages := flow.Get("stages").Array()
		if len(stages) == 1 && stages[0].Str == "m.login.dummy" {
			return true
		}
	}
	return false
}

// WhoAmI asks the homeserver which user the current token belongs to
// and returns that user ID. The answer must agree with the identity
// captured at login; a mismatch means the token was swapped underneath
// us and is surfaced as an error rather than silently adopted.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	accessToken, err := s.token("whoami")
	if err != nil {
		return "", err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	body, err := s.client.doRequest(ctx, "whoami", "GET", "/_matrix/client/v3/account/whoami", accessToken, nil, nil)
	if err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	userID := gjson.GetBytes(body, "user_id").Str

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != "" && userID != s.userID {
		return "", fmt.Errorf("whoami: server reports %q but session was logged in as %q", userID, s.userID)
	}
	s.userID = userID
	return userID, nil
}

// Logout invalidates the access token and returns the session to
// UNAUTHENTICATED, from which it may log in again.
func (s *Session) Logout(ctx context.Context) error {
	accessToken, err := s.token("logout")
	if err != nil {
		return err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	if _, err := s.client.doRequest(ctx, "logout", "POST", "/_matrix/client/v3/logout", accessToken, nil, struct{}{}); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticated {
		s.accessToken = ""
		s.userID = ""
		s.deviceID = ""
		s.nextBatch = ""
		s.state = StateUnauthenticated
	}
	return nil
}

// Destroy terminates the session. It cancels any in-flight call made
// through this session (including a WaitForEvents long-poll), clears
// the token and moves to DESTROYED. Idempotent; every other operation
// fails with IllegalStateError afterwards.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}
	s.state = StateDestroyed
	s.accessToken = ""
	s.nextBatch = ""
	s.cancel()
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}
	s.state = state
}
