package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
	"unicode/utf8"
)

const segmentLen = 160

// Dummy simulates a modem: it accepts every recipient, then fires sent and
// delivery callbacks after Latency. FailRate is the share (0..1) of
// recipients rejected outright.
type Dummy struct {
	Latency  time.Duration
	FailRate float64

	mu sync.RWMutex
	cb Callbacks
	wg sync.WaitGroup
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailRate: 0.03} }

func (d *Dummy) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *Dummy) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	select {
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	case <-time.After(d.Latency):
	}
	if len(req.Recipients) == 0 {
		return SendResult{}, errors.New("no recipients")
	}

	parts := partsOf(req)
	res := SendResult{PartsCount: &parts, Recipients: make([]RecipientStatus, len(req.Recipients))}
	var accepted []string
	for i, r := range req.Recipients {
		res.Recipients[i] = RecipientStatus{Key: r.Key}
		if d.FailRate > 0 && rand.Float64() < d.FailRate {
			res.Recipients[i].Err = &RecipientSendError{PhoneNumber: r.PhoneNumber, Reason: "rejected by network"}
			continue
		}
		accepted = append(accepted, r.Key)
	}

	d.mu.RLock()
	cb := d.cb
	d.mu.RUnlock()
	if cb != nil && len(accepted) > 0 {
		d.wg.Add(1)
		go d.notify(cb, req.MessageID, accepted, req.WithDeliveryReport)
	}
	return res, nil
}

func (d *Dummy) notify(cb Callbacks, messageID string, keys []string, report bool) {
	defer d.wg.Done()
	ctx := context.Background()
	time.Sleep(d.Latency)
	for _, k := range keys {
		cb.OnSent(ctx, messageID, k, nil)
	}
	if !report {
		return
	}
	time.Sleep(d.Latency)
	for _, k := range keys {
		cb.OnDelivered(ctx, messageID, k, nil)
	}
}

// Wait blocks until all pending callbacks have fired.
func (d *Dummy) Wait() { d.wg.Wait() }

func partsOf(req SendRequest) int {
	n := 0
	switch c := req.Content; {
	case c.Text != nil:
		n = utf8.RuneCountInString(c.Text.Text)
	case c.Data != nil:
		n = len(c.Data.Data)
	}
	if n <= segmentLen {
		return 1
	}
	return (n + 152) / 153
}
