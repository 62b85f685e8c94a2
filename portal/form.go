package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const maxPageSize = 5 << 20

// DefaultCaptchaMarkers match the common hosted captcha widgets.
var DefaultCaptchaMarkers = []string{"g-recaptcha", "h-captcha", "cf-turnstile", "captcha"}

// FormConfig configures a FormAcquirer.
type FormConfig struct {
	LoginURL string
	// LoginFields are accepted names of the login input, in addition to any
	// input of type email.
	LoginFields []string
	// PasswordField names the password input; empty matches type=password.
	PasswordField string
	// TokenField is the id or name of the element holding the token. It is
	// the only place a token is taken from.
	TokenField     string
	CaptchaMarkers []string
	Source         string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// FormAcquirer logs into the portal by submitting its HTML login form over
// plain HTTP and reads the token from a designated element of the resulting
// page. Cookies from earlier logins are replayed so an active session skips
// the form entirely.
type FormAcquirer struct {
	loginURL *url.URL
	cfg      FormConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewFormAcquirer validates cfg and returns an acquirer.
func NewFormAcquirer(cfg FormConfig) (*FormAcquirer, error) {
	u, err := validateLoginURL(cfg.LoginURL)
	if err != nil {
		return nil, err
	}
	if len(cfg.LoginFields) == 0 {
		cfg.LoginFields = []string{"login", "username"}
	}
	if cfg.TokenField == "" {
		return nil, errors.New("token field must be set")
	}
	if cfg.CaptchaMarkers == nil {
		cfg.CaptchaMarkers = DefaultCaptchaMarkers
	}
	if cfg.Source == "" {
		cfg.Source = "form-login"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &FormAcquirer{
		loginURL: u,
		cfg:      cfg,
		log:      log.Named("portal"),
		now:      time.Now,
	}, nil
}

func validateLoginURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, errors.New("login URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("URL must include a host")
	}
	return u, nil
}

// session is the state of one Login call.
type session struct {
	client  *retry.Client
	jar     http.CookieJar
	visited []*url.URL
}

// Login implements Acquirer.
func (a *FormAcquirer) Login(ctx context.Context, creds Credentials, prior SessionState) (Result, error) {
	jar, restored := restoreJar(prior)
	httpClient := &http.Client{
		Transport: a.cfg.HTTPClient.Transport,
		Timeout:   a.cfg.HTTPClient.Timeout,
		Jar:       jar,
	}
	client, err := retry.NewClient(retry.WithHTTPClient(httpClient))
	if err != nil {
		return Result{}, &LoginError{Kind: KindTransport, Err: err}
	}
	s := &session{client: client, jar: jar}

	a.log.Debug("opening login page",
		zap.String("url", a.loginURL.String()),
		zap.Int("restored_cookies", restored),
	)
	page, pageURL, err := a.fetch(ctx, s, http.MethodGet, a.loginURL, nil)
	if err != nil {
		return a.result(s, ""), err
	}

	if tok, ok := findTokenElement(page, a.cfg.TokenField); ok {
		a.log.Info("session still active, token taken without login")
		return a.result(s, tok), nil
	}

	if creds.Empty() {
		return a.result(s, ""), loginErr(KindNoActiveSession, "session expired and no credentials configured")
	}
	if hasCaptcha(page, a.cfg.CaptchaMarkers) {
		return a.result(s, ""), loginErr(KindCaptchaTimeout, "login page requires a captcha")
	}

	form, missing := findLoginForm(page, pageURL, a.cfg.LoginFields, a.cfg.PasswordField)
	if form == nil {
		return a.result(s, ""), loginErr(KindLoginFieldNotFound, "%s input not found on %s", missing, pageURL)
	}
	form.values.Set(form.login, creds.Login)
	form.values.Set(form.password, creds.Password)

	a.log.Debug("submitting login form", zap.String("action", form.action.String()), zap.String("method", form.method))
	page, pageURL, err = a.fetch(ctx, s, form.method, form.action, form.values)
	if err != nil {
		return a.result(s, ""), err
	}

	if tok, ok := findTokenElement(page, a.cfg.TokenField); ok {
		a.log.Info("token extracted", zap.String("field", a.cfg.TokenField), zap.String("page", pageURL.Path))
		return a.result(s, tok), nil
	}
	if hasCaptcha(page, a.cfg.CaptchaMarkers) {
		return a.result(s, ""), loginErr(KindCaptchaTimeout, "captcha challenge after submitting credentials")
	}
	return a.result(s, ""), loginErr(KindTokenFieldMissing, "element %q not found on %s", a.cfg.TokenField, pageURL)
}

func (a *FormAcquirer) result(s *session, tok string) Result {
	return Result{
		RawToken: tok,
		Session:  snapshotJar(s.jar, s.visited, a.now()),
		Source:   a.cfg.Source,
	}
}

// fetch performs one request and parses the HTML it returns. Redirects are
// followed; the returned URL is that of the final page.
func (a *FormAcquirer) fetch(
	ctx context.Context,
	s *session,
	method string,
	target *url.URL,
	form url.Values,
) (*html.Node, *url.URL, error) {
	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		u := *target
		if len(form) > 0 {
			u.RawQuery = form.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, nil, &LoginError{Kind: KindTransport, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	s.visited = append(s.visited, req.URL)
	resp, err := s.client.DoWithContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, &LoginError{Kind: KindTimeout, Err: err}
		}
		return nil, nil, &LoginError{Kind: KindTransport, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	final := req.URL
	if resp.Request != nil {
		final = resp.Request.URL
	}
	s.visited = append(s.visited, final)

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, &LoginError{
			Kind: KindTransport,
			Err:  fmt.Errorf("%s %s returned status %d: %s", method, final.Path, resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, nil, &LoginError{Kind: KindTransport, Err: fmt.Errorf("failed to parse page: %w", err)}
	}
	return doc, final, nil
}
