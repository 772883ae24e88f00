package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"carshare-box/internal/api"
	"carshare-box/internal/cards"
	"carshare-box/internal/clock"
	"carshare-box/internal/logger"
	"carshare-box/internal/status"
	"carshare-box/internal/task"
	"carshare-box/internal/types"
	"carshare-box/internal/vehicle"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// Mock connectivity manager
type mockNetwork struct {
	mu       sync.Mutex
	up       bool
	ensures  int
	releases int
}

func (m *mockNetwork) EnsureConnected(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensures++
	return m.up
}

func (m *mockNetwork) ReleaseIfIdle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
}

func (m *mockNetwork) counts() (ensures, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensures, m.releases
}

// Mock sequencer signalling the end of the tag like the real one
type mockSequencer struct {
	mu      sync.Mutex
	flags   *status.Set
	result  vehicle.Result
	targets []types.LockTarget
}

func (m *mockSequencer) Execute(ctx context.Context, target types.LockTarget) vehicle.Result {
	m.mu.Lock()
	m.targets = append(m.targets, target)
	m.mu.Unlock()
	m.flags.Clear(status.TagProcessing)
	m.flags.Set(status.TagDone)
	return m.result
}

func (m *mockSequencer) calls() []types.LockTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.LockTarget(nil), m.targets...)
}

// Mock remote service
type mockRemote struct {
	mu       sync.Mutex
	requests []api.PendingRequest
	respond  func(req api.PendingRequest)
}

func (m *mockRemote) Dispatch(ctx context.Context, req api.PendingRequest) *task.Handle {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	respond := m.respond
	m.mu.Unlock()
	return task.Go("mock-"+req.Endpoint, func() error {
		if respond != nil {
			respond(req)
		}
		return nil
	})
}

func (m *mockRemote) sent() []api.PendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.PendingRequest(nil), m.requests...)
}

func respondWith(body string) func(api.PendingRequest) {
	return func(req api.PendingRequest) {
		req.OnResponse([]byte(body))
	}
}

func failWith(err error) func(api.PendingRequest) {
	return func(req api.PendingRequest) {
		if req.AlertOnFailure && req.OnFailure != nil {
			req.OnFailure(err)
		}
	}
}

type mockTags struct {
	ch chan []byte
}

func (m *mockTags) ReadTag(ctx context.Context) ([]byte, bool) {
	select {
	case uid := <-m.ch:
		return uid, true
	case <-ctx.Done():
		return nil, false
	default:
		return nil, false
	}
}

type mockIdentity struct{ token string }

func (m mockIdentity) ReadToken() string { return m.token }

type mockBattery struct{ volts float64 }

func (m mockBattery) Volts() float64 { return m.volts }

type mockLED struct {
	mu       sync.Mutex
	statuses []types.LedStatus
}

func (m *mockLED) SetStatus(s types.LedStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, s)
}

func (m *mockLED) seen(s types.LedStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, got := range m.statuses {
		if got == s {
			return true
		}
	}
	return false
}

func (m *mockLED) last() types.LedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return ""
	}
	return m.statuses[len(m.statuses)-1]
}

type mockFirmware struct {
	mu   sync.Mutex
	urls []string
	err  error
	done chan struct{}
}

func (m *mockFirmware) Apply(ctx context.Context, url string) error {
	m.mu.Lock()
	m.urls = append(m.urls, url)
	m.mu.Unlock()
	if m.done != nil {
		close(m.done)
	}
	return m.err
}

type mockPublisher struct {
	mu         sync.Mutex
	status     map[string]string
	activities []types.Activity
	faults     map[int]bool
	err        error
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{status: map[string]string{}, faults: map[int]bool{}}
}

func (m *mockPublisher) PublishStatus(field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.status[field] = value
	return nil
}

func (m *mockPublisher) PublishActivity(a types.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, a)
	return nil
}

func (m *mockPublisher) ReportFaultPresent(code int, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.faults[code] = true
	return nil
}

func (m *mockPublisher) ReportFaultAbsent(code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.faults, code)
	return nil
}

func (m *mockPublisher) fault(code int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faults[code]
}

type testBox struct {
	*BoxSystem
	flags     *status.Set
	store     *vehicle.Store
	net       *mockNetwork
	seq       *mockSequencer
	remote    *mockRemote
	tags      *mockTags
	led       *mockLED
	cards     *cards.Cache
	firmware  *mockFirmware
	publisher *mockPublisher
	clock     *clock.SteppingClock
}

// newTestBox builds a box on a stepping clock: dwells return at once and
// are recorded, while flag waits still use real time.
func newTestBox(t *testing.T) *testBox {
	t.Helper()
	flags := status.NewSet()
	tb := &testBox{
		flags:     flags,
		store:     vehicle.NewStore(),
		net:       &mockNetwork{up: true},
		seq:       &mockSequencer{flags: flags},
		remote:    &mockRemote{},
		tags:      &mockTags{ch: make(chan []byte, 4)},
		led:       &mockLED{},
		cards:     cards.NewCache(cards.NewMemoryStore(), logger.NewNop()),
		firmware:  &mockFirmware{},
		publisher: newMockPublisher(),
		clock:     clock.Stepping(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	tb.BoxSystem = NewBoxSystem(Deps{
		Flags:     flags,
		Store:     tb.store,
		Network:   tb.net,
		Sequencer: tb.seq,
		Remote:    tb.remote,
		Tags:      tb.tags,
		Identity:  mockIdentity{token: "0123456789abcdef"},
		Battery:   mockBattery{volts: 12.4},
		LED:       tb.led,
		Cards:     tb.cards,
		Firmware:  tb.firmware,
		Publisher: tb.publisher,
		Clock:     tb.clock,
		Logger:    logger.NewNop(),
		FreeHeap:  func() uint64 { return 4096 },
	}, DefaultTimings())
	return tb
}

// observe swaps the box logger for one recording debug output.
func (tb *testBox) observe() *observer.ObservedLogs {
	core, logs := observer.New(zap.DebugLevel)
	tb.BoxSystem.logger = logger.NewLogger(zap.New(core), logger.LogLevelDebug)
	return logs
}

func (tb *testBox) slept(d time.Duration) bool {
	for _, s := range tb.clock.Sleeps() {
		if s == d {
			return true
		}
	}
	return false
}

var testTag = []byte{0xa1, 0xb2, 0xc3, 0xd4}

func TestFormatTagID(t *testing.T) {
	tests := []struct {
		uid  []byte
		want string
	}{
		{[]byte{0xa1, 0xb2, 0xc3, 0xd4}, "a1b2c3d4"},
		{[]byte{0x00, 0x0f, 0x10, 0xff}, "000f10ff"},
		{[]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}, "01020304"},
	}
	for _, tt := range tests {
		if got := FormatTagID(tt.uid); got != tt.want {
			t.Errorf("FormatTagID(% x) = %s, want %s", tt.uid, got, tt.want)
		}
	}
}

func TestOperatorCardTogglesLock(t *testing.T) {
	tb := newTestBox(t)
	ctx := context.Background()
	tb.cards.Replace(ctx, 5, []string{"a1b2c3d4"})

	start := time.Now()
	tb.processTag(ctx, testTag)
	if time.Since(start) > 5*time.Second {
		t.Fatal("Operator tag should finish without waiting for the timeout")
	}

	if got := tb.seq.calls(); len(got) != 1 || got[0] != types.TargetLocked {
		t.Fatalf("Expected one lock sequence, got %v", got)
	}
	if !tb.OperatorLocked() {
		t.Error("Operator lock should be set after the first scan")
	}
	if len(tb.remote.sent()) != 0 {
		t.Error("Operator card must not reach the remote service")
	}
	if ensures, _ := tb.net.counts(); ensures != 0 {
		t.Errorf("Operator card must not bring the link up, got %d attempts", ensures)
	}

	tb.processTag(ctx, testTag)
	if got := tb.seq.calls(); len(got) != 2 || got[1] != types.TargetUnlocked {
		t.Fatalf("Expected unlock on second scan, got %v", got)
	}
	if tb.OperatorLocked() {
		t.Error("Operator lock should be cleared after the second scan")
	}
	if tb.flags.Snapshot().Has(status.TagProcessing) {
		t.Error("TagProcessing should be cleared after the tag")
	}
}

func TestTouchUnlock(t *testing.T) {
	tb := newTestBox(t)
	tb.remote.respond = respondWith(`{"action":"unlock"}`)

	start := time.Now()
	tb.processTag(context.Background(), testTag)
	if time.Since(start) > 5*time.Second {
		t.Fatal("TagDone was not signalled")
	}

	reqs := tb.remote.sent()
	if len(reqs) != 1 || reqs[0].Endpoint != api.EndpointTouch {
		t.Fatalf("Expected one touch request, got %d", len(reqs))
	}
	if !reqs[0].AlertOnFailure {
		t.Error("Touch requests should alert on failure")
	}
	var body api.TouchRequest
	if err := json.Unmarshal(reqs[0].Payload, &body); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if body.CardID != "a1b2c3d4" || body.IButtonID != "0123456789abcdef" {
		t.Errorf("Unexpected payload %+v", body)
	}
	if got := tb.seq.calls(); len(got) != 1 || got[0] != types.TargetUnlocked {
		t.Errorf("Expected unlock sequence, got %v", got)
	}
	if _, releases := tb.net.counts(); releases != 1 {
		t.Errorf("Expected the link to be released once, got %d", releases)
	}
	if tb.store.Snapshot().IdentityToken != "0123456789abcdef" {
		t.Error("Identity token should be refreshed into the store")
	}
}

func TestTouchWithoutActionShowsError(t *testing.T) {
	tb := newTestBox(t)
	tb.remote.respond = respondWith(`{}`)

	tb.processTag(context.Background(), testTag)

	if len(tb.seq.calls()) != 0 {
		t.Error("No sequence expected without an action")
	}
	if !tb.led.seen(types.LedError) {
		t.Error("Expected error LED")
	}
	if tb.led.last() != types.LedIdle {
		t.Errorf("LED should return to idle, got %s", tb.led.last())
	}
	if !tb.slept(2000 * time.Millisecond) {
		t.Errorf("Expected a 2000ms error dwell, got %v", tb.clock.Sleeps())
	}
}

func TestTouchRejectShowsDeny(t *testing.T) {
	tb := newTestBox(t)
	tb.remote.respond = respondWith(`{"action":"reject"}`)

	tb.processTag(context.Background(), testTag)

	if !tb.led.seen(types.LedDeny) {
		t.Error("Expected deny LED")
	}
	if !tb.slept(1000 * time.Millisecond) {
		t.Errorf("Expected a 1000ms deny dwell, got %v", tb.clock.Sleeps())
	}
	if len(tb.seq.calls()) != 0 {
		t.Error("Reject must not run a sequence")
	}
}

func TestTouchUnknownActionShowsError(t *testing.T) {
	tb := newTestBox(t)
	tb.remote.respond = respondWith(`{"action":"open-trunk"}`)

	tb.processTag(context.Background(), testTag)

	if !tb.led.seen(types.LedError) || len(tb.seq.calls()) != 0 {
		t.Error("Unknown action should be shown as an error without a sequence")
	}
}

func TestTouchTransportFailure(t *testing.T) {
	tb := newTestBox(t)
	tb.remote.respond = failWith(api.ErrTransport)

	start := time.Now()
	tb.processTag(context.Background(), testTag)
	if time.Since(start) > 5*time.Second {
		t.Fatal("Transport failure should still signal TagDone")
	}
	if !tb.led.seen(types.LedError) || !tb.slept(2000*time.Millisecond) {
		t.Error("Expected error dwell on transport failure")
	}
}

func TestTouchWithoutLink(t *testing.T) {
	tb := newTestBox(t)
	tb.net.up = false

	tb.processTag(context.Background(), testTag)

	if len(tb.remote.sent()) != 0 {
		t.Error("No request expected without a link")
	}
	if !tb.led.seen(types.LedError) {
		t.Error("Expected error LED without a link")
	}
	if !tb.publisher.fault(FaultLinkFailed) {
		t.Error("Link failure should be reported as a fault")
	}
}

func TestTagKeepsLinkForTelemetry(t *testing.T) {
	tb := newTestBox(t)
	tb.remote.respond = respondWith(`{"action":"lock"}`)
	tb.flags.Set(status.TelemetrySending)

	tb.processTag(context.Background(), testTag)

	if _, releases := tb.net.counts(); releases != 0 {
		t.Errorf("Link must stay up while telemetry is sending, got %d releases", releases)
	}
}

func TestTelemetryWaitsForTag(t *testing.T) {
	tb := newTestBox(t)
	tb.BoxSystem.clock = clock.Real()
	tb.BoxSystem.timings.TelemetryPeriod = time.Hour
	tb.remote.respond = respondWith(`{}`)
	tb.flags.Set(status.TagProcessing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tb.telemetryLoop(ctx)

	time.Sleep(50 * time.Millisecond)
	if len(tb.remote.sent()) != 0 {
		t.Fatal("Telemetry must not be sent while a tag is processing")
	}

	tb.flags.Clear(status.TagProcessing)
	tb.flags.Set(status.TagDone)

	deadline := time.Now().Add(2 * time.Second)
	for len(tb.remote.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	reqs := tb.remote.sent()
	if len(reqs) != 1 || reqs[0].Endpoint != api.EndpointTelemetry {
		t.Fatalf("Expected one telemetry request after the tag, got %d", len(reqs))
	}
	if reqs[0].AlertOnFailure {
		t.Error("Telemetry requests must not alert on failure")
	}
	if !tb.flags.Snapshot().Has(status.TagDone) {
		t.Error("Telemetry must leave the TagDone edge to the tag loop")
	}
}

func TestTelemetryRestartsWhileTagOutlivesTimeout(t *testing.T) {
	tb := newTestBox(t)
	tb.BoxSystem.clock = clock.Real()
	tb.BoxSystem.timings.TagTimeout = 20 * time.Millisecond
	tb.BoxSystem.timings.TelemetryPeriod = time.Hour
	tb.remote.respond = respondWith(`{}`)
	logs := tb.observe()
	tb.flags.Set(status.TagProcessing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tb.telemetryLoop(ctx)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	if len(tb.remote.sent()) != 0 {
		t.Fatal("Telemetry must not be sent while the tag is still processing")
	}
	if n := logs.FilterMessage("Telemetry deferred, tag in progress").Len(); n < 2 {
		t.Errorf("Expected the cycle to restart after each tag timeout, deferred %d times", n)
	}
	if ensures, _ := tb.net.counts(); ensures != 0 {
		t.Error("A deferred cycle must not bring the link up")
	}
	snap := tb.flags.Snapshot()
	if !snap.Has(status.TagProcessing) || snap.Has(status.TelemetrySending) {
		t.Error("A deferred cycle must leave the flags alone")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Telemetry loop did not stop on cancel")
	}
}

func TestTelemetryReportIsSparse(t *testing.T) {
	tb := newTestBox(t)
	tb.store.WithLock(func(t *vehicle.Telemetry) { t.SoCPercent = 81 })

	report := tb.buildReport()

	if report.SoCPercent == nil || *report.SoCPercent != 81 {
		t.Errorf("Expected soc 81, got %v", report.SoCPercent)
	}
	if report.OdometerMiles != nil || report.DoorsLocked != nil {
		t.Error("Unknown fields should be omitted")
	}
	if report.AuxBatteryVoltage != 12.4 || report.IButtonID != "0123456789abcdef" {
		t.Errorf("Live samples missing: %+v", report)
	}
	if report.BoxFreeHeapBytes != 4096 {
		t.Errorf("Unexpected free heap %d", report.BoxFreeHeapBytes)
	}

	raw, _ := json.Marshal(api.TelemetryReport{Telemetry: report})
	var decoded map[string]map[string]any
	json.Unmarshal(raw, &decoded)
	if _, ok := decoded["telemetry"]["odometer_miles"]; ok {
		t.Error("odometer_miles should not be serialised when unknown")
	}
}

func TestTelemetryCycleSignalsDone(t *testing.T) {
	tb := newTestBox(t)
	tb.store.WithLock(func(t *vehicle.Telemetry) {
		t.SoCPercent = 50
		t.DoorsLocked = types.DoorsLocked
	})
	tb.remote.respond = respondWith(`{"action":"lock"}`)

	start := time.Now()
	tb.telemetryCycle(context.Background())
	if time.Since(start) > 5*time.Second {
		t.Fatal("TelemetryDone was not signalled")
	}

	if got := tb.seq.calls(); len(got) != 1 || got[0] != types.TargetLocked {
		t.Errorf("Expected remote lock, got %v", got)
	}
	snap := tb.store.Snapshot()
	if snap.SoCPercent != -1 || snap.DoorsLocked != types.DoorsUnknown {
		t.Errorf("Store should be reset after the response, got %+v", snap)
	}
	if tb.flags.Snapshot().Has(status.TelemetrySending) {
		t.Error("TelemetrySending should be cleared")
	}
	if !tb.led.seen(types.LedHeartbeat) {
		t.Error("Expected heartbeat LED")
	}
	if _, releases := tb.net.counts(); releases != 1 {
		t.Errorf("Expected link release, got %d", releases)
	}
}

func TestTelemetryReplacesCards(t *testing.T) {
	tb := newTestBox(t)
	ctx := context.Background()
	tb.cards.Replace(ctx, 5, []string{"deadbeef"})

	tb.handleTelemetryResponse(ctx, []byte(`{"operator_card_list":{"etag":7,"cards":["a1b2c3d4","11223344"]}}`))

	if tb.cards.ETag() != 7 {
		t.Errorf("Expected etag 7, got %d", tb.cards.ETag())
	}
	if tb.cards.Contains("deadbeef") {
		t.Error("Stale card should no longer match")
	}
	if !tb.cards.Contains("11223344") {
		t.Error("New card should match")
	}
	if !tb.flags.Snapshot().Has(status.TelemetryDone) {
		t.Error("TelemetryDone should be set")
	}

	// the stale card is now handled as a customer tag
	tb.remote.respond = respondWith(`{"action":"reject"}`)
	tb.processTag(ctx, []byte{0xde, 0xad, 0xbe, 0xef})
	if len(tb.remote.sent()) != 1 {
		t.Error("Stale operator card should go to the remote service")
	}
	if len(tb.seq.calls()) != 0 {
		t.Error("Stale operator card must not toggle the lock")
	}
}

func TestTelemetrySameETagKeepsCards(t *testing.T) {
	tb := newTestBox(t)
	ctx := context.Background()
	tb.cards.Replace(ctx, 5, []string{"deadbeef"})

	tb.handleTelemetryResponse(ctx, []byte(`{"operator_card_list":{"etag":5,"cards":[]}}`))

	if !tb.cards.Contains("deadbeef") {
		t.Error("Same etag must not replace the list")
	}
}

func TestFirmwareUpdateFailureClearsFlag(t *testing.T) {
	tb := newTestBox(t)
	tb.firmware.err = errors.New("checksum mismatch")

	h := tb.startFirmwareUpdate(context.Background(), "https://example.com/fw.bin")
	if h == nil {
		t.Fatal("Expected an update to start")
	}
	if err := h.Wait(context.Background()); err == nil {
		t.Fatal("Expected the update to fail")
	}
	if tb.flags.Snapshot().Has(status.FirmwareUpdating) {
		t.Error("FirmwareUpdating should be cleared after a failure")
	}
	if !tb.led.seen(types.LedFirmware) || tb.led.last() != types.LedIdle {
		t.Error("Expected firmware LED followed by idle")
	}
}

func TestFirmwareUrlFromTelemetry(t *testing.T) {
	tb := newTestBox(t)
	tb.firmware.done = make(chan struct{})

	tb.handleTelemetryResponse(context.Background(), []byte(`{"firmware_update_url":"https://example.com/fw.bin"}`))

	select {
	case <-tb.firmware.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Firmware update was not started")
	}
	if !tb.flags.Snapshot().Has(status.FirmwareUpdating) {
		t.Error("FirmwareUpdating should stay set after a successful apply")
	}
	if h := tb.startFirmwareUpdate(context.Background(), "https://example.com/other.bin"); h != nil {
		t.Error("A second update must not start while one is running")
	}
}

func TestSequenceMismatchReportsFault(t *testing.T) {
	tb := newTestBox(t)
	tb.seq.result = vehicle.ResultMismatch

	tb.sequence(context.Background(), types.TargetLocked)
	if !tb.publisher.fault(FaultDoorMismatch) {
		t.Error("Mismatch should raise a fault")
	}

	tb.seq.result = vehicle.ResultVerified
	tb.sequence(context.Background(), types.TargetLocked)
	if tb.publisher.fault(FaultDoorMismatch) {
		t.Error("Verified sequence should clear the fault")
	}
}

func TestPublishFailuresAreLogged(t *testing.T) {
	tb := newTestBox(t)
	tb.publisher.err = errors.New("redis: connection refused")
	tb.net.up = false
	logs := tb.observe()
	tb.cards.Replace(context.Background(), 5, []string{"a1b2c3d4"})

	if tb.ensureConnected(context.Background()) {
		t.Fatal("Expected no link")
	}
	if result := tb.sequence(context.Background(), types.TargetLocked); result != tb.seq.result {
		t.Errorf("Publish errors must not change the sequence result, got %v", result)
	}
	tb.handleTag(context.Background(), testTag)

	for _, what := range []string{"fault", "doors", "operator lock"} {
		msg := "Failed to publish " + what + ": redis: connection refused"
		if logs.FilterMessage(msg).Len() == 0 {
			t.Errorf("Expected debug entry %q", msg)
		}
	}
	if !tb.OperatorLocked() {
		t.Error("Operator toggle must go ahead without Redis")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tb := newTestBox(t)
	tb.BoxSystem.clock = clock.Real()
	tb.BoxSystem.timings.TagPoll = 5 * time.Millisecond
	tb.BoxSystem.timings.TelemetryPeriod = time.Hour
	tb.remote.respond = func(req api.PendingRequest) {
		if req.Endpoint == api.EndpointTouch {
			req.OnResponse([]byte(`{"action":"unlock"}`))
			return
		}
		req.OnResponse([]byte(`{}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- tb.Run(ctx, Runner{Name: "extra", Run: func(ctx context.Context) error {
			close(ran)
			<-ctx.Done()
			return nil
		}})
	}()

	<-ran
	tb.tags.ch <- testTag
	deadline := time.Now().Add(2 * time.Second)
	for len(tb.seq.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(tb.seq.calls()) == 0 {
		t.Error("Polled tag should have run a sequence")
	}

	if err := tb.LockCommand(types.TargetLocked); err != nil {
		t.Errorf("LockCommand failed: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
