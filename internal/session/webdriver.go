package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
)

// Farm is the remote automation farm: it creates and destroys browser
// sessions and drives them by session id.
type Farm interface {
	CreateSession(ctx context.Context) (string, error)
	DeleteSession(ctx context.Context, id string) error
	Navigate(ctx context.Context, id, url string) error
	PageSource(ctx context.Context, id string) (string, error)
	CurrentURL(ctx context.Context, id string) (string, error)
	Type(ctx context.Context, id, selector, text string) error
	Click(ctx context.Context, id, selector string) error
	Cookies(ctx context.Context, id string) ([]*http.Cookie, error)
	Status(ctx context.Context) error
}

const (
	defaultCallTimeout = 30 * time.Second
	elementKey         = "element-6066-11e4-a52e-4f735466cecf"
)

// ErrNoSuchElement is returned when a selector matches nothing on the page.
var ErrNoSuchElement = errors.New("no such element")

// WebDriverFarm talks the W3C WebDriver protocol to a Selenium Grid hub.
type WebDriverFarm struct {
	baseURL string
	client  *http.Client
	caps    map[string]any
}

// NewWebDriverFarm constructs a farm client for the hub at baseURL. Each
// command is bounded by callTimeout.
func NewWebDriverFarm(baseURL string, callTimeout time.Duration) *WebDriverFarm {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &WebDriverFarm{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: callTimeout},
		caps: map[string]any{
			"browserName": "chrome",
			"goog:chromeOptions": map[string]any{
				"args": []string{"--headless=new", "--no-sandbox", "--disable-dev-shm-usage", "--window-size=1920,1080"},
			},
		},
	}
}

// wdError mirrors the error object of a failed WebDriver command.
type wdError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type wdResponse struct {
	Value json.RawMessage `json:"value"`
}

func (f *WebDriverFarm) CreateSession(ctx context.Context) (string, error) {
	body := map[string]any{"capabilities": map[string]any{"alwaysMatch": f.caps}}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := f.call(ctx, http.MethodPost, "/session", body, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("create session: empty session id")
	}
	return out.SessionID, nil
}

func (f *WebDriverFarm) DeleteSession(ctx context.Context, id string) error {
	return f.call(ctx, http.MethodDelete, "/session/"+id, nil, nil)
}

func (f *WebDriverFarm) Navigate(ctx context.Context, id, url string) error {
	return f.call(ctx, http.MethodPost, "/session/"+id+"/url", map[string]string{"url": url}, nil)
}

func (f *WebDriverFarm) PageSource(ctx context.Context, id string) (string, error) {
	var src string
	err := f.call(ctx, http.MethodGet, "/session/"+id+"/source", nil, &src)
	return src, err
}

func (f *WebDriverFarm) CurrentURL(ctx context.Context, id string) (string, error) {
	var u string
	err := f.call(ctx, http.MethodGet, "/session/"+id+"/url", nil, &u)
	return u, err
}

func (f *WebDriverFarm) Type(ctx context.Context, id, selector, text string) error {
	el, err := f.findElement(ctx, id, selector)
	if err != nil {
		return err
	}
	return f.call(ctx, http.MethodPost, "/session/"+id+"/element/"+el+"/value", map[string]string{"text": text}, nil)
}

func (f *WebDriverFarm) Click(ctx context.Context, id, selector string) error {
	el, err := f.findElement(ctx, id, selector)
	if err != nil {
		return err
	}
	return f.call(ctx, http.MethodPost, "/session/"+id+"/element/"+el+"/click", map[string]string{}, nil)
}

// Cookies returns the browser's cookies visible to the current page.
func (f *WebDriverFarm) Cookies(ctx context.Context, id string) ([]*http.Cookie, error) {
	var raw []struct {
		Name     string `json:"name"`
		Value    string `json:"value"`
		Domain   string `json:"domain"`
		Path     string `json:"path"`
		Secure   bool   `json:"secure"`
		HTTPOnly bool   `json:"httpOnly"`
	}
	if err := f.call(ctx, http.MethodGet, "/session/"+id+"/cookie", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

// Status reports whether the hub is ready to create sessions.
func (f *WebDriverFarm) Status(ctx context.Context) error {
	var st struct {
		Ready   bool   `json:"ready"`
		Message string `json:"message"`
	}
	if err := f.call(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return err
	}
	if !st.Ready {
		return fmt.Errorf("farm not ready: %s", st.Message)
	}
	return nil
}

func (f *WebDriverFarm) findElement(ctx context.Context, id, selector string) (string, error) {
	var el map[string]string
	body := map[string]string{"using": "css selector", "value": selector}
	if err := f.call(ctx, http.MethodPost, "/session/"+id+"/element", body, &el); err != nil {
		return "", err
	}
	ref, ok := el[elementKey]
	if !ok {
		return "", fmt.Errorf("find %q: %w", selector, ErrNoSuchElement)
	}
	return ref, nil
}

// call performs one command and decodes the "value" member into out.
// Transport and 5xx failures are classified transient; an unknown session
// wraps ErrSessionExpired.
func (f *WebDriverFarm) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return crawlerr.New(crawlerr.KindTransientNetwork, "webdriver "+method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return crawlerr.New(crawlerr.KindTransientNetwork, "webdriver read", err)
	}

	var envelope wdResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			if resp.StatusCode >= 500 {
				return crawlerr.New(crawlerr.KindTransientNetwork, "webdriver "+path, fmt.Errorf("status %d", resp.StatusCode))
			}
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if resp.StatusCode >= 400 {
		return classify(path, resp.StatusCode, envelope.Value)
	}
	if out == nil || len(envelope.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Value, out); err != nil {
		return fmt.Errorf("decode %s value: %w", path, err)
	}
	return nil
}

func classify(path string, status int, value json.RawMessage) error {
	var e wdError
	_ = json.Unmarshal(value, &e)
	op := "webdriver " + path
	detail := fmt.Errorf("status %d: %s: %s", status, e.Error, e.Message)

	switch e.Error {
	case "invalid session id":
		return crawlerr.New(crawlerr.KindNavigation, op, fmt.Errorf("%w: %w", ErrSessionExpired, detail))
	case "no such element":
		return crawlerr.New(crawlerr.KindExtraction, op, fmt.Errorf("%w: %w", ErrNoSuchElement, detail))
	case "session not created":
		return crawlerr.New(crawlerr.KindPoolUnavailable, op, detail)
	case "timeout", "script timeout":
		return crawlerr.New(crawlerr.KindTransientNetwork, op, detail)
	}
	if status >= 500 {
		return crawlerr.New(crawlerr.KindTransientNetwork, op, detail)
	}
	return crawlerr.New(crawlerr.KindNavigation, op, detail)
}
