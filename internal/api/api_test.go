package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/calendar"
	"github.com/TDXCORE/FullStackAgent2025/internal/config"
	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/flow"
	"github.com/TDXCORE/FullStackAgent2025/internal/messaging"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/scheduling"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
	"github.com/TDXCORE/FullStackAgent2025/internal/testutil"
	"github.com/TDXCORE/FullStackAgent2025/internal/twiliowhatsapp"
)

type echoAgent struct {
	mu   sync.Mutex
	seen []flow.Inbound
}

func (a *echoAgent) Handle(ctx context.Context, in flow.Inbound) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, in)
	return "eco: " + in.Text, nil
}

type recordingInbox struct {
	got []models.Response
}

func (r *recordingInbox) Deliver(resp models.Response) { r.got = append(r.got, resp) }

type apiFixture struct {
	gw    *calendar.MemoryGateway
	st    store.Store
	agent *echoAgent
	loc   *time.Location
	deps  func(opts ...Option) *Server
}

// newAPIFixture pins the clock to Wednesday 2025-06-04 10:00 in Bogota, so
// the first bookable slot is Friday 06/06 at 10:00.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	policy := config.Default()
	loc := policy.Location()
	clock := testutil.NewClock(time.Date(2025, 6, 4, 10, 0, 0, 0, loc))

	gw := calendar.NewMemoryGateway()
	st := testutil.NewSQLiteStore(t)
	engine := availability.NewEngine(gw, policy, availability.WithClock(clock.Now))
	validator := scheduling.NewValidator(engine, datetime.New(loc).WithClock(clock.Now))
	coord := scheduling.NewCoordinator(gw, st, engine, scheduling.WithCoordinatorClock(clock.Now))
	jobs := flow.NewMeetingJobs(st, policy.ReminderBefore.Std()).WithClock(clock.Now)
	agent := &echoAgent{}
	rh := messaging.NewResponseHandler(messaging.NewNoopService(), agent, st, st)

	return &apiFixture{
		gw:    gw,
		st:    st,
		agent: agent,
		loc:   loc,
		deps: func(opts ...Option) *Server {
			opts = append([]Option{WithLeadStore(st), WithMeetingJobs(jobs)}, opts...)
			return NewServer(rh, validator, coord, st, opts...)
		},
	}
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func result(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	res, ok := body["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing result in %v", body)
	}
	return res
}

func TestHealthHandler(t *testing.T) {
	h := newAPIFixture(t).deps().Handler()
	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestMessagesHandler(t *testing.T) {
	f := newAPIFixture(t)
	h := f.deps().Handler()

	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", MessageRequest{From: "3001234567", Body: "Hola", MessageID: "m1"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first message")
	body := testutil.AssertJSONResponse(t, rr, "ok")
	if got := result(t, body)["reply"]; got != "eco: Hola" {
		t.Errorf("reply = %v", got)
	}
	if f.agent.seen[0].Phone != "573001234567" || f.agent.seen[0].Platform != models.PlatformAPI {
		t.Errorf("unexpected inbound %+v", f.agent.seen[0])
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", MessageRequest{From: "3001234567", Body: "Hola", MessageID: "m1"}))
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "duplicate message")

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", MessageRequest{From: "3001234567", Body: "   "}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "blank body")
	testutil.AssertJSONResponse(t, rr, "error")

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", MessageRequest{From: "12", Body: "Hola"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad sender")

	req, _ := http.NewRequest(http.MethodPost, "/messages", strings.NewReader(`{"from":`))
	rr = serve(h, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad json")
}

func twilioForm(sid, body string) url.Values {
	return url.Values{
		"From":       {"whatsapp:+573001234567"},
		"Body":       {body},
		"MessageSid": {sid},
	}
}

func formRequest(path string, form url.Values) *http.Request {
	req, _ := http.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func twilioSignature(token, target string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := target
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhookProcessesAndQueuesReply(t *testing.T) {
	f := newAPIFixture(t)
	h := f.deps().Handler()

	rr := serve(h, formRequest("/webhook/twilio", twilioForm("SM1", "Hola")))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")
	if !strings.Contains(rr.Body.String(), "<Response></Response>") {
		t.Errorf("expected empty TwiML, got %q", rr.Body.String())
	}
	if len(f.agent.seen) != 1 || f.agent.seen[0].ExternalID != "SM1" {
		t.Fatalf("agent calls = %+v", f.agent.seen)
	}

	msgs, err := f.st.ClaimDueOutboxMessages(context.Background(), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Recipient != "573001234567" || msgs[0].Kind != store.OutboxKindReply {
		t.Errorf("unexpected outbox %+v", msgs)
	}

	// Twilio retries deliver the same MessageSid again.
	rr = serve(h, formRequest("/webhook/twilio", twilioForm("SM1", "Hola")))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "retry")
	if len(f.agent.seen) != 1 {
		t.Errorf("retry reached the agent")
	}

	rr = serve(h, formRequest("/webhook/twilio", twilioForm("SM2", "")))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "media only")
	if len(f.agent.seen) != 1 {
		t.Errorf("media message reached the agent")
	}

	rr = serve(h, formRequest("/webhook/twilio", url.Values{"Body": {"Hola"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing From")
}

func TestTwilioWebhookSignature(t *testing.T) {
	const token = "tok"
	const public = "https://agent.example.com"
	f := newAPIFixture(t)
	h := f.deps(WithTwilioSignature(twiliowhatsapp.NewWebhookValidator(token), public)).Handler()
	form := twilioForm("SM1", "Hola")

	req := formRequest("/webhook/twilio", form)
	req.Header.Set(twiliowhatsapp.SignatureHeader, twilioSignature("wrong", public+"/webhook/twilio", form))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, serve(h, req).Code, "bad signature")

	req = formRequest("/webhook/twilio", form)
	req.Header.Set(twiliowhatsapp.SignatureHeader, twilioSignature(token, public+"/webhook/twilio", form))
	testutil.AssertHTTPStatus(t, http.StatusOK, serve(h, req).Code, "good signature")
	if len(f.agent.seen) != 1 {
		t.Errorf("agent calls = %d", len(f.agent.seen))
	}
}

func TestTwilioWebhookWithInbox(t *testing.T) {
	f := newAPIFixture(t)
	inbox := &recordingInbox{}
	h := f.deps(WithInbox(inbox)).Handler()

	rr := serve(h, formRequest("/webhook/twilio", twilioForm("SM1", "Hola")))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")
	if len(inbox.got) != 1 || inbox.got[0].From != "+573001234567" || inbox.got[0].MessageID != "SM1" {
		t.Errorf("inbox = %+v", inbox.got)
	}
	if len(f.agent.seen) != 0 {
		t.Error("inbox mode must not call the agent inline")
	}
}

func TestAvailabilityHandler(t *testing.T) {
	f := newAPIFixture(t)
	h := f.deps().Handler()

	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/availability", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "default availability")
	res := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	dates := res["dates"].([]interface{})
	if len(dates) == 0 || dates[0].(map[string]interface{})["date"] != "2025-06-06" {
		t.Errorf("unexpected dates %v", dates)
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/availability?date=09/06/2025&days=1", nil))
	res = result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	dates = res["dates"].([]interface{})
	if len(dates) != 1 || dates[0].(map[string]interface{})["date"] != "2025-06-09" {
		t.Errorf("unexpected dates %v", dates)
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/availability?days=abc", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad days")

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/availability?date=someday", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad date")

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/availability?format=ics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "ics")
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/calendar") || !strings.Contains(rr.Body.String(), "BEGIN:VCALENDAR") {
		t.Errorf("unexpected ics response %q", rr.Body.String())
	}

	f.gw.SetFail(errors.New("graph down"))
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/availability", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadGateway, rr.Code, "calendar down")
}

func TestMeetingLifecycleHandlers(t *testing.T) {
	f := newAPIFixture(t)
	h := f.deps().Handler()
	ctx := context.Background()

	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/meetings", CreateMeetingRequest{
		Date: "09/06/2025", Time: "10:00", AttendeeEmail: "ana@acme.co", Phone: "3001234567",
	}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create")
	created := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	id := created["id"].(string)
	externalID := created["external_event_id"].(string)
	if created["status"] != string(models.MeetingStatusScheduled) {
		t.Errorf("status = %v", created["status"])
	}

	u, err := f.st.GetUserByPhone(ctx, "573001234567")
	if err != nil || u == nil || created["user_id"] != u.ID {
		t.Errorf("meeting not linked to user: %v %v", created["user_id"], err)
	}
	jobs, err := f.st.ClaimDueJobs(ctx, time.Date(2025, 7, 1, 0, 0, 0, 0, f.loc), 10)
	if err != nil || len(jobs) != 2 {
		t.Errorf("expected reminder and completion jobs, got %d (%v)", len(jobs), err)
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/meetings/"+externalID, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get by external id")

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/meetings/"+id+".ics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get ics")
	if !strings.Contains(rr.Body.String(), "UID:"+externalID) {
		t.Errorf("ics missing uid: %q", rr.Body.String())
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/meetings?user_id="+u.ID, nil))
	body := testutil.AssertJSONResponse(t, rr, "ok")
	if list := body["result"].([]interface{}); len(list) != 1 {
		t.Errorf("list = %v", list)
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPatch, "/meetings/"+id, RescheduleMeetingRequest{Date: "10/06/2025", Time: "11:00"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reschedule")
	moved := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if moved["status"] != string(models.MeetingStatusRescheduled) {
		t.Errorf("status = %v", moved["status"])
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodDelete, "/meetings/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel")
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodDelete, "/meetings/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel again")

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPatch, "/meetings/"+id, RescheduleMeetingRequest{Date: "11/06/2025", Time: "11:00"}))
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "reschedule cancelled")

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/meetings/missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown meeting")
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodDelete, "/meetings/missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "cancel unknown")
}

func TestRescheduleWithoutPhoneKeepsReminder(t *testing.T) {
	f := newAPIFixture(t)
	h := f.deps().Handler()
	ctx := context.Background()

	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/meetings", CreateMeetingRequest{
		Date: "09/06/2025", Time: "10:00", AttendeeEmail: "ana@acme.co", Phone: "3001234567",
	}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create")
	id := result(t, testutil.AssertJSONResponse(t, rr, "ok"))["id"].(string)

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPatch, "/meetings/"+id, RescheduleMeetingRequest{Date: "10/06/2025", Time: "11:00"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reschedule")

	jobs, err := f.st.ClaimDueJobs(ctx, time.Date(2025, 7, 1, 0, 0, 0, 0, f.loc), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	var reminders []flow.MeetingReminderPayload
	for _, j := range jobs {
		if j.Kind != flow.JobKindMeetingReminder {
			continue
		}
		var p flow.MeetingReminderPayload
		if err := json.Unmarshal([]byte(j.PayloadJSON), &p); err != nil {
			t.Fatalf("reminder payload: %v", err)
		}
		reminders = append(reminders, p)
	}
	if len(reminders) != 1 {
		t.Fatalf("expected one reminder after reschedule, got %d of %d jobs", len(reminders), len(jobs))
	}
	if reminders[0].Recipient != "573001234567" {
		t.Errorf("reminder recipient = %q", reminders[0].Recipient)
	}
	want := time.Date(2025, 6, 10, 11, 0, 0, 0, f.loc).UTC().Format(time.RFC3339)
	if reminders[0].Start != want {
		t.Errorf("reminder start = %s, want %s", reminders[0].Start, want)
	}
}

func TestCreateMeetingRejections(t *testing.T) {
	f := newAPIFixture(t)
	h := f.deps().Handler()

	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/meetings", CreateMeetingRequest{
		Date: "07/06/2025", Time: "10:00", AttendeeEmail: "ana@acme.co",
	}))
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "weekend")
	rej := result(t, testutil.AssertJSONResponse(t, rr, "rejected"))
	if rej["reason"] != string(scheduling.ReasonNonBusinessDay) {
		t.Errorf("reason = %v", rej["reason"])
	}
	alt := rej["alternative"].(map[string]interface{})
	if alt["date"] != "2025-06-09" {
		t.Errorf("alternative = %v", alt)
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/meetings", CreateMeetingRequest{
		Date: "09/06/2025", Time: "10:00", AttendeeEmail: "sin-arroba",
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad email")

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/meetings", CreateMeetingRequest{
		Date: "09/06/2025", AttendeeEmail: "ana@acme.co",
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing time")
	if body := testutil.AssertJSONResponse(t, rr, "error"); body["message"] != models.ErrMissingDateTime.Error() {
		t.Errorf("message = %v", body["message"])
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPatch, "/meetings/any", RescheduleMeetingRequest{Time: "11:00"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "reschedule missing date")

	f.gw.AddBusy(time.Date(2025, 6, 9, 10, 0, 0, 0, f.loc), time.Date(2025, 6, 9, 11, 0, 0, 0, f.loc))
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/meetings", CreateMeetingRequest{
		Date: "09/06/2025", Time: "10:00", AttendeeEmail: "ana@acme.co",
	}))
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "slot taken")
}
