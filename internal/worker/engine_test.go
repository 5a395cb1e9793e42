package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/smsgate/internal/core"
	"github.com/Cypherspark/smsgate/internal/envelope"
	"github.com/Cypherspark/smsgate/internal/events"
	"github.com/Cypherspark/smsgate/internal/lock"
	"github.com/Cypherspark/smsgate/internal/provider"
)

// memLedger keeps messages in memory and applies the same aggregate rules
// as the store.
type memLedger struct {
	mu         sync.Mutex
	msgs       []*core.Message
	selectErrs []error
	failed     map[string]string
	claimed    map[string]bool
	released   []string
	selects    int
}

func newMemLedger(msgs ...*core.Message) *memLedger {
	for _, m := range msgs {
		m.State = core.StatePending
		m.Recipients = nil
		for _, p := range m.PhoneNumbers {
			m.Recipients = append(m.Recipients, core.Recipient{PhoneNumber: p, State: core.StatePending})
		}
	}
	return &memLedger{msgs: msgs, failed: map[string]string{}, claimed: map[string]bool{}}
}

func (l *memLedger) ClaimNextPending(context.Context, core.Order, time.Duration) (*core.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selects++
	if len(l.selectErrs) > 0 {
		err := l.selectErrs[0]
		l.selectErrs = l.selectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	for _, m := range l.msgs {
		if m.State == core.StatePending && !l.claimed[m.ID] {
			l.claimed[m.ID] = true
			cp := *m
			cp.Recipients = append([]core.Recipient(nil), m.Recipients...)
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *memLedger) ReleaseClaim(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, id)
	l.released = append(l.released, id)
	return nil
}

func (l *memLedger) find(id string) *core.Message {
	for _, m := range l.msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (l *memLedger) set(m *core.Message, phone string, st core.State, errText string, upd *core.Update) {
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.PhoneNumber == phone && core.CanTransition(r.State, st) {
			r.State = st
			upd.Transitions = append(upd.Transitions, core.Transition{MessageID: m.ID, PhoneNumber: phone, State: st, Error: errText})
		}
	}
}

func (l *memLedger) finish(m *core.Message, upd *core.Update) *core.Update {
	var states []core.State
	for _, r := range m.Recipients {
		states = append(states, r.State)
	}
	next := core.AggregateState(states)
	upd.StateChanged = next != m.State
	upd.State = next
	m.State = next
	delete(l.claimed, m.ID)
	return upd
}

func (l *memLedger) RecordAttemptOutcome(_ context.Context, id string, res core.AttemptResult) (*core.Update, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.find(id)
	upd := &core.Update{MessageID: id}
	for _, r := range res.Recipients {
		l.set(m, r.PhoneNumber, r.State, r.Error, upd)
	}
	m.PartsCount = res.PartsCount
	return l.finish(m, upd), nil
}

func (l *memLedger) ApplyDeliveryCallback(_ context.Context, id, phone string, st core.State, errText string) (*core.Update, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.find(id)
	if m == nil {
		return nil, core.ErrNotFound
	}
	upd := &core.Update{MessageID: id}
	l.set(m, phone, st, errText, upd)
	return l.finish(m, upd), nil
}

func (l *memLedger) FailMessage(_ context.Context, id, reason string) (*core.Update, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.find(id)
	l.failed[id] = reason
	upd := &core.Update{MessageID: id}
	for _, r := range m.Recipients {
		l.set(m, r.PhoneNumber, core.StateFailed, reason, upd)
	}
	return l.finish(m, upd), nil
}

type fakeProvider struct {
	mu    sync.Mutex
	calls []provider.SendRequest
	err   func(call int) error
	fail  map[string]bool
}

func (p *fakeProvider) Send(_ context.Context, req provider.SendRequest) (provider.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		if err := p.err(len(p.calls)); err != nil {
			return provider.SendResult{}, err
		}
	}
	parts := 1
	res := provider.SendResult{PartsCount: &parts}
	for _, r := range req.Recipients {
		st := provider.RecipientStatus{Key: r.Key}
		if p.fail[r.PhoneNumber] {
			st.Err = &provider.RecipientSendError{PhoneNumber: r.PhoneNumber, Reason: "rejected"}
		}
		res.Recipients = append(res.Recipients, st)
	}
	return res, nil
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (e *eventLog) Publish(ev events.Event) {
	e.mu.Lock()
	e.evs = append(e.evs, ev)
	e.mu.Unlock()
}

func textMsg(id string, phones ...string) *core.Message {
	return &core.Message{ID: id, PhoneNumbers: phones, Content: core.Content{Text: &core.TextContent{Text: "hi"}}}
}

func TestDrain_OneSuccessOneFailureThenCallbacks(t *testing.T) {
	led := newMemLedger(textMsg("m1", "+1", "+2"))
	prov := &fakeProvider{fail: map[string]bool{"+2": true}}
	evs := &eventLog{}
	d := &Dispatcher{Ledger: led, Provider: prov, Events: evs}

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, core.StateProcessed, led.msgs[0].State)
	require.Len(t, evs.evs, 2)
	failed := evs.evs[1].(events.MessageStateChanged)
	require.Equal(t, core.StateFailed, failed.State)
	require.Contains(t, failed.Error, "rejected")

	cb := &Callbacks{Ledger: led, Events: evs}
	cb.OnSent(context.Background(), "m1", "+1", nil)
	require.Equal(t, core.StateSent, led.msgs[0].State)
	cb.OnDelivered(context.Background(), "m1", "+1", nil)
	require.Equal(t, core.StateSent, led.msgs[0].State)
	require.Equal(t, core.StateDelivered, led.msgs[0].Recipients[0].State)
	require.Len(t, evs.evs, 4)
}

func TestDrain_ExpiredMessageFailsWithoutSending(t *testing.T) {
	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := textMsg("old", "+1")
	m.ValidUntil = &past
	led := newMemLedger(m, textMsg("new", "+1"))
	prov := &fakeProvider{}
	d := &Dispatcher{Ledger: led, Provider: prov, Now: func() time.Time { return past.Add(time.Second) }}

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "expired", led.failed["old"])
	require.Equal(t, core.StateFailed, led.msgs[0].State)
	require.Len(t, prov.calls, 1)
	require.Equal(t, "new", prov.calls[0].MessageID)
}

func TestDrain_EncryptedMessage(t *testing.T) {
	c := envelope.New("pw", 1000)
	phone, err := c.Encrypt("+16502530000")
	require.NoError(t, err)
	body, err := c.Encrypt("secret")
	require.NoError(t, err)

	m := &core.Message{ID: "enc", IsEncrypted: true, PhoneNumbers: []string{phone}, Content: core.Content{Text: &core.TextContent{Text: body}}}
	led := newMemLedger(m)
	prov := &fakeProvider{}
	d := &Dispatcher{Ledger: led, Provider: prov, Cipher: c}

	_, err = d.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, prov.calls, 1)
	require.Equal(t, "+16502530000", prov.calls[0].Recipients[0].PhoneNumber)
	require.Equal(t, phone, prov.calls[0].Recipients[0].Key)
	require.Equal(t, "secret", prov.calls[0].Content.Text.Text)
	require.Equal(t, core.StateProcessed, led.msgs[0].State)
}

func TestDrain_UndecryptableMessageFails(t *testing.T) {
	m := &core.Message{ID: "bad", IsEncrypted: true, PhoneNumbers: []string{"not-an-envelope"}, Content: core.Content{Text: &core.TextContent{Text: "x"}}}
	led := newMemLedger(m)
	prov := &fakeProvider{}
	d := &Dispatcher{Ledger: led, Provider: prov, Cipher: envelope.New("pw", 1000)}

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, prov.calls)
	require.Equal(t, core.StateFailed, led.msgs[0].State)
	require.Contains(t, led.failed["bad"], "decrypt")
}

func TestDrain_ProviderErrorIsTransient(t *testing.T) {
	led := newMemLedger(textMsg("m", "+1"))
	prov := &fakeProvider{err: func(int) error { return errors.New("modem offline") }}
	d := &Dispatcher{Ledger: led, Provider: prov}

	_, err := d.Drain(context.Background())
	var te *TransientDispatchError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "m", te.MessageID)
	require.Equal(t, core.StatePending, led.msgs[0].State)
	require.Equal(t, []string{"m"}, led.released)
}

type slowProvider struct {
	fakeProvider
	delay   time.Duration
	sendErr error
}

func (p *slowProvider) Send(ctx context.Context, req provider.SendRequest) (provider.SendResult, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		p.sendErr = ctx.Err()
		return provider.SendResult{}, ctx.Err()
	}
	return p.fakeProvider.Send(ctx, req)
}

func TestDrain_CancelLetsInFlightSendFinish(t *testing.T) {
	led := newMemLedger(textMsg("a", "+1"), textMsg("b", "+1"))
	prov := &slowProvider{delay: 200 * time.Millisecond}
	d := &Dispatcher{Ledger: led, Provider: prov, Opt: Options{SendTimeout: time.Second}}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	defer cancel()

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, prov.sendErr)
	require.Equal(t, core.StateProcessed, led.msgs[0].State)
	require.Equal(t, core.StatePending, led.msgs[1].State)
}

// flakyLock answers TryAcquire from a script, then grants.
type flakyLock struct {
	answers []bool
}

func (l *flakyLock) TryAcquire(context.Context) (bool, error) {
	if len(l.answers) == 0 {
		return true, nil
	}
	ok := l.answers[0]
	l.answers = l.answers[1:]
	return ok, nil
}

func (l *flakyLock) Release(context.Context) error { return nil }

func TestDrain_StopsWhenLeaseIsLost(t *testing.T) {
	led := newMemLedger(textMsg("a", "+1"), textMsg("b", "+1"), textMsg("c", "+1"))
	prov := &fakeProvider{}
	d := &Dispatcher{Ledger: led, Provider: prov, Lock: &flakyLock{answers: []bool{true, true, false}}}

	n, err := d.Drain(context.Background())
	require.ErrorIs(t, err, ErrLeaseLost)
	require.Equal(t, 2, n)
	require.Len(t, prov.calls, 2)
	require.Equal(t, core.StatePending, led.msgs[2].State)
}

func TestTick_LeaseLostIsNotRetried(t *testing.T) {
	led := newMemLedger(textMsg("a", "+1"), textMsg("b", "+1"))
	prov := &fakeProvider{}
	// Tick acquires, the first renewal succeeds, the second fails; a retried
	// drain would get the lease back
	lk := &flakyLock{answers: []bool{true, true, false}}
	d := &Dispatcher{Ledger: led, Provider: prov, Lock: lk, Opt: Options{RetryStep: time.Millisecond, MaxAttempts: 5}}

	d.Tick(context.Background())
	require.Len(t, prov.calls, 1)
	require.Equal(t, 1, led.selects)
	require.Equal(t, core.StatePending, led.msgs[1].State)
}

func TestDrain_ClaimedMessageIsNotSentTwice(t *testing.T) {
	led := newMemLedger(textMsg("a", "+1"))
	_, err := led.ClaimNextPending(context.Background(), core.OrderFIFO, time.Minute)
	require.NoError(t, err)

	prov := &fakeProvider{}
	d := &Dispatcher{Ledger: led, Provider: prov}
	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, prov.calls)
}

func TestTick_RetriesDrainLinearly(t *testing.T) {
	led := newMemLedger(textMsg("m", "+1"))
	prov := &fakeProvider{err: func(call int) error {
		if call < 3 {
			return errors.New("modem offline")
		}
		return nil
	}}
	d := &Dispatcher{Ledger: led, Provider: prov, Opt: Options{RetryStep: time.Millisecond, MaxAttempts: 5}}

	d.Tick(context.Background())
	require.Len(t, prov.calls, 3)
	require.Equal(t, core.StateProcessed, led.msgs[0].State)
}

func TestTick_GivesUpAfterMaxAttempts(t *testing.T) {
	led := newMemLedger(textMsg("m", "+1"))
	led.selectErrs = []error{errors.New("db"), errors.New("db"), errors.New("db")}
	prov := &fakeProvider{}
	d := &Dispatcher{Ledger: led, Provider: prov, Opt: Options{RetryStep: time.Millisecond, MaxAttempts: 3}}

	d.Tick(context.Background())
	require.Equal(t, 3, led.selects)
	require.Empty(t, prov.calls)
	require.Equal(t, core.StatePending, led.msgs[0].State)
}

func TestTick_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	other := lock.NewLocal("dispatch-test")
	ok, _ := other.TryAcquire(context.Background())
	require.True(t, ok)
	defer other.Release(context.Background())

	led := newMemLedger(textMsg("m", "+1"))
	d := &Dispatcher{Ledger: led, Provider: &fakeProvider{}, Lock: lock.NewLocal("dispatch-test")}
	d.Tick(context.Background())
	require.Zero(t, led.selects)
}

func TestCallbacks_ErrorMarksFailedAndReceivedPublishes(t *testing.T) {
	led := newMemLedger(textMsg("m", "+1"))
	evs := &eventLog{}
	cb := &Callbacks{Ledger: led, Events: evs}

	cb.OnSent(context.Background(), "m", "+1", errors.New("no signal"))
	require.Equal(t, core.StateFailed, led.msgs[0].State)
	require.Equal(t, "no signal", evs.evs[0].(events.MessageStateChanged).Error)

	// unknown message is logged, not fatal
	cb.OnDelivered(context.Background(), "missing", "+1", nil)

	cb.OnReceived(context.Background(), provider.Inbound{ID: "in1", PhoneNumber: "+9", Text: "hey"})
	require.Equal(t, events.MessageReceived{MessageID: "in1", PhoneNumber: "+9", Text: "hey"}, evs.evs[1])
}
