package main

import (
	"context"
	"errors"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/vnac/broker"
	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/vna"
)

// eventPublisher publishes instrument events as records.
type eventPublisher struct {
	broker *broker.Broker[Record]
}

func newEventPublisher(b *broker.Broker[Record]) *eventPublisher {
	return &eventPublisher{broker: b}
}

func (p *eventPublisher) publish(ctx context.Context, record Record) {
	if err := p.broker.Publish(ctx, record); err != nil {
		if errors.Is(err, broker.ErrClosed) || errors.Is(err, broker.ErrNoSubscribers) {
			log.MustLogger(ctx).Debug("Record dropped", "event", record.Event, "err", err)
			return
		}
		log.MustLogger(ctx).Warn("Failed to publish record", "event", record.Event, "err", err)
	}
}

func (p *eventPublisher) Connected(ctx context.Context, endpoint vna.Endpoint) {
	p.publish(ctx, NewConnectedRecord(endpoint))
}

func (p *eventPublisher) Disconnected(ctx context.Context) {
	p.publish(ctx, NewDisconnectedRecord())
}

func (p *eventPublisher) Error(ctx context.Context, code vna.ErrorCode, message string) {
	p.publish(ctx, NewErrorRecord(code, message))
}

func (p *eventPublisher) DataReceived(ctx context.Context, result scpi.Result) {
	p.publish(ctx, NewDataRecord(result))
}

// writeRecords writes every record received until records is closed. After a write error, the
// remaining records are discarded so publishers are never blocked.
func writeRecords(ctx context.Context, records <-chan Record, recordWriter RecordWriter) (err error) {
	logger := log.MustLogger(ctx)
	defer func() {
		for range records {
		}
		err = errors.Join(err, recordWriter.Close())
	}()
	for record := range records {
		if err := recordWriter.Write(record); err != nil {
			logger.Error("Failed to write record", "err", err)
			return err
		}
	}
	return nil
}
