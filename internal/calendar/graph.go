package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

const (
	// DefaultGraphBaseURL is the Microsoft Graph v1.0 endpoint.
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	graphDateTimeLayout = "2006-01-02T15:04:05"
	graphSelect         = "id,subject,start,end,isCancelled,showAs,attendees,onlineMeeting,webLink"
)

// GraphOpts configures a GraphGateway.
type GraphOpts struct {
	BaseURL       string
	HTTPClient    *http.Client
	Timeout       time.Duration
	RatePerSecond float64
	Location      *time.Location
	FindWindow    time.Duration
	tokens        tokenSource
}

// GraphOption mutates GraphOpts.
type GraphOption func(*GraphOpts)

// WithBaseURL points the gateway at a different Graph root (tests, sovereign clouds).
func WithBaseURL(base string) GraphOption {
	return func(o *GraphOpts) { o.BaseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) GraphOption {
	return func(o *GraphOpts) { o.HTTPClient = c }
}

// WithTimeout sets the fixed per-request deadline.
func WithTimeout(d time.Duration) GraphOption {
	return func(o *GraphOpts) { o.Timeout = d }
}

// WithRateLimit caps outgoing requests per second. Zero disables throttling.
func WithRateLimit(perSecond float64) GraphOption {
	return func(o *GraphOpts) { o.RatePerSecond = perSecond }
}

// WithLocation sets the operating timezone returned times are converted to.
func WithLocation(loc *time.Location) GraphOption {
	return func(o *GraphOpts) { o.Location = loc }
}

// WithFindWindow sets the default search window for FindBySubject.
func WithFindWindow(d time.Duration) GraphOption {
	return func(o *GraphOpts) { o.FindWindow = d }
}

// WithStaticToken bypasses MSAL and sends the given bearer token.
func WithStaticToken(token string) GraphOption {
	return func(o *GraphOpts) { o.tokens = staticToken(token) }
}

// GraphGateway is a Gateway backed by a Microsoft 365 mailbox calendar
// using application permissions.
type GraphGateway struct {
	mailbox    string
	baseURL    string
	client     *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	loc        *time.Location
	findWindow time.Duration
	tokens     tokenSource
	initErr    error
}

var _ Gateway = (*GraphGateway)(nil)

// NewGraphGateway builds a gateway for mailbox. When credentials are
// incomplete the gateway is still returned but every call fails with
// ErrNotConfigured.
func NewGraphGateway(creds Credentials, mailbox string, opts ...GraphOption) *GraphGateway {
	o := GraphOpts{
		BaseURL:    DefaultGraphBaseURL,
		Timeout:    60 * time.Second,
		Location:   time.UTC,
		FindWindow: 30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}

	g := &GraphGateway{
		mailbox:    mailbox,
		baseURL:    o.BaseURL,
		client:     o.HTTPClient,
		timeout:    o.Timeout,
		loc:        o.Location,
		findWindow: o.FindWindow,
		tokens:     o.tokens,
	}
	if o.RatePerSecond > 0 {
		burst := int(o.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(o.RatePerSecond), burst)
	}

	if mailbox == "" {
		g.initErr = fmt.Errorf("%w: calendar mailbox is empty", ErrNotConfigured)
		return g
	}
	if g.tokens == nil {
		ts, err := newMSALTokenSource(creds)
		if err != nil {
			slog.Warn("NewGraphGateway: calendar disabled", "mailbox", mailbox, "error", err)
			g.initErr = err
			return g
		}
		g.tokens = ts
	}
	return g
}

type graphCalendarResponse struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink,omitempty"`
}

type graphEvent struct {
	ID            string              `json:"id,omitempty"`
	Subject       string              `json:"subject,omitempty"`
	Body          *graphBody          `json:"body,omitempty"`
	Start         *graphDateTime      `json:"start,omitempty"`
	End           *graphDateTime      `json:"end,omitempty"`
	IsCancelled   bool                `json:"isCancelled,omitempty"`
	ShowAs        string              `json:"showAs,omitempty"`
	Attendees     []graphAttendee     `json:"attendees,omitempty"`
	WebLink       string              `json:"webLink,omitempty"`
	OnlineMeeting *graphOnlineMeeting `json:"onlineMeeting,omitempty"`

	IsOnlineMeeting       bool   `json:"isOnlineMeeting,omitempty"`
	OnlineMeetingProvider string `json:"onlineMeetingProvider,omitempty"`
	TransactionID         string `json:"transactionId,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphAttendee struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
	Type         string            `json:"type,omitempty"`
}

type graphEmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphOnlineMeeting struct {
	JoinURL string `json:"joinUrl"`
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func toGraphDateTime(t time.Time) *graphDateTime {
	return &graphDateTime{DateTime: t.UTC().Format(graphDateTimeLayout), TimeZone: "UTC"}
}

// parseGraphDateTime parses a Graph datetime returned in UTC.
func parseGraphDateTime(gdt *graphDateTime) (time.Time, error) {
	if gdt == nil {
		return time.Time{}, errors.New("missing datetime")
	}
	formats := []string{
		"2006-01-02T15:04:05.0000000",
		graphDateTimeLayout,
		time.RFC3339,
	}
	for _, format := range formats {
		t, err := time.ParseInLocation(format, gdt.DateTime, time.UTC)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime: %s", gdt.DateTime)
}

func (g *GraphGateway) convertEvent(ge graphEvent) (Event, error) {
	ev := Event{ID: ge.ID, Subject: ge.Subject, WebLink: ge.WebLink}
	start, err := parseGraphDateTime(ge.Start)
	if err != nil {
		return ev, fmt.Errorf("parse start: %w", err)
	}
	end, err := parseGraphDateTime(ge.End)
	if err != nil {
		return ev, fmt.Errorf("parse end: %w", err)
	}
	ev.Start = start.In(g.loc)
	ev.End = end.In(g.loc)
	for _, a := range ge.Attendees {
		ev.Attendees = append(ev.Attendees, a.EmailAddress.Address)
	}
	if ge.OnlineMeeting != nil {
		ev.OnlineMeetingURL = ge.OnlineMeeting.JoinURL
	}
	return ev, nil
}

func (g *GraphGateway) userPath(suffix string) string {
	return g.baseURL + "/users/" + url.PathEscape(g.mailbox) + suffix
}

// do performs one Graph request. A nil out discards the response body.
func (g *GraphGateway) do(ctx context.Context, method, reqURL string, in, out interface{}) (int, error) {
	if g.initErr != nil {
		return 0, g.initErr
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	// The deadline covers token acquisition as well as the request.
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	token, err := g.tokens.Token(ctx)
	if err != nil {
		if isTimeout(ctx, err) {
			slog.Warn("GraphGateway.do: token acquisition timed out", "method", method, "timeout", g.timeout)
			return 0, fmt.Errorf("%w: %w after %s", ErrTokenAcquisition, ErrTimeout, g.timeout)
		}
		return 0, err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			slog.Warn("GraphGateway.do: timeout", "method", method, "elapsed", time.Since(started))
			return 0, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
		}
		return 0, fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()
	slog.Debug("GraphGateway.do: response", "method", method, "status", resp.StatusCode, "elapsed", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		var ge graphErrorResponse
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Code != "" {
			apiErr.Code = ge.Error.Code
			apiErr.Message = ge.Error.Message
		}
		if resp.StatusCode == http.StatusNotFound {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrNotFound, apiErr)
		}
		return resp.StatusCode, apiErr
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if isTimeout(ctx, err) {
				return resp.StatusCode, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
			}
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// calendarView returns every non-cancelled event in [start, end), following
// pagination links.
func (g *GraphGateway) calendarView(ctx context.Context, start, end time.Time) ([]graphEvent, error) {
	params := url.Values{}
	params.Set("startDateTime", start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", end.UTC().Format(time.RFC3339))
	params.Set("$orderby", "start/dateTime")
	params.Set("$top", "100")
	params.Set("$select", graphSelect)
	reqURL := g.userPath("/calendarView") + "?" + params.Encode()

	var all []graphEvent
	for reqURL != "" {
		var page graphCalendarResponse
		if _, err := g.do(ctx, http.MethodGet, reqURL, nil, &page); err != nil {
			return nil, err
		}
		for _, ge := range page.Value {
			if ge.IsCancelled {
				continue
			}
			all = append(all, ge)
		}
		reqURL = page.NextLink
	}
	return all, nil
}

// ListBusy returns the occupied intervals in [start, end). Events marked as
// free do not block availability.
func (g *GraphGateway) ListBusy(ctx context.Context, start, end time.Time) ([]models.BusyInterval, error) {
	started := time.Now()
	raw, err := g.calendarView(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list busy: %w", err)
	}
	busy := make([]models.BusyInterval, 0, len(raw))
	for _, ge := range raw {
		if strings.EqualFold(ge.ShowAs, "free") {
			continue
		}
		ev, err := g.convertEvent(ge)
		if err != nil {
			slog.Warn("GraphGateway.ListBusy: skip event", "id", ge.ID, "error", err)
			continue
		}
		busy = append(busy, models.BusyInterval{Start: ev.Start, End: ev.End})
	}
	slog.Debug("GraphGateway.ListBusy: fetched", "count", len(busy), "elapsed", time.Since(started))
	return busy, nil
}

// CreateEvent creates a Teams meeting with the given attendees as required
// participants.
func (g *GraphGateway) CreateEvent(ctx context.Context, in EventInput) (*Event, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	req := graphEvent{
		Subject:       in.Subject,
		Body:          &graphBody{ContentType: "HTML", Content: in.BodyHTML},
		Start:         toGraphDateTime(in.Start),
		End:           toGraphDateTime(in.End),
		TransactionID: uuid.NewString(),
	}
	for _, addr := range in.Attendees {
		req.Attendees = append(req.Attendees, graphAttendee{
			EmailAddress: graphEmailAddress{Address: addr},
			Type:         "required",
		})
	}
	if in.Online {
		req.IsOnlineMeeting = true
		req.OnlineMeetingProvider = "teamsForBusiness"
	}

	var created graphEvent
	if _, err := g.do(ctx, http.MethodPost, g.userPath("/events"), req, &created); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	ev, err := g.convertEvent(created)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	slog.Info("GraphGateway.CreateEvent: created", "id", ev.ID, "start", ev.Start)
	return &ev, nil
}

// GetEvent fetches one event by its remote identifier.
func (g *GraphGateway) GetEvent(ctx context.Context, externalID string) (*Event, error) {
	var ge graphEvent
	if _, err := g.do(ctx, http.MethodGet, g.userPath("/events/"+url.PathEscape(externalID)), nil, &ge); err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev, err := g.convertEvent(ge)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

// PatchEvent moves an event to [start, end).
func (g *GraphGateway) PatchEvent(ctx context.Context, externalID string, start, end time.Time) (*Event, error) {
	if !end.After(start) {
		return nil, errors.New("event end must be after start")
	}
	patch := graphEvent{Start: toGraphDateTime(start), End: toGraphDateTime(end)}
	var updated graphEvent
	if _, err := g.do(ctx, http.MethodPatch, g.userPath("/events/"+url.PathEscape(externalID)), patch, &updated); err != nil {
		return nil, fmt.Errorf("patch event: %w", err)
	}
	ev, err := g.convertEvent(updated)
	if err != nil {
		return nil, fmt.Errorf("patch event: %w", err)
	}
	slog.Info("GraphGateway.PatchEvent: updated", "id", externalID, "start", ev.Start)
	return &ev, nil
}

// DeleteEvent removes an event. Graph answers 204 on success.
func (g *GraphGateway) DeleteEvent(ctx context.Context, externalID string) error {
	status, err := g.do(ctx, http.MethodDelete, g.userPath("/events/"+url.PathEscape(externalID)), nil, nil)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("delete event: %w", &APIError{StatusCode: status, Message: "unexpected status"})
	}
	slog.Info("GraphGateway.DeleteEvent: deleted", "id", externalID)
	return nil
}

// FindBySubject lists events whose subject contains text, ignoring case. A nil
// start means now; a nil end means start plus the configured find window.
func (g *GraphGateway) FindBySubject(ctx context.Context, text string, start, end *time.Time) ([]Event, error) {
	from, to := findWindow(start, end, g.findWindow)
	raw, err := g.calendarView(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	needle := strings.ToLower(text)
	var out []Event
	for _, ge := range raw {
		if needle != "" && !strings.Contains(strings.ToLower(ge.Subject), needle) {
			continue
		}
		ev, err := g.convertEvent(ge)
		if err != nil {
			slog.Warn("GraphGateway.FindBySubject: skip event", "id", ge.ID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func findWindow(start, end *time.Time, window time.Duration) (time.Time, time.Time) {
	from := time.Now()
	if start != nil {
		from = *start
	}
	to := from.Add(window)
	if end != nil {
		to = *end
	}
	return from, to
}
