package stream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/dlq"
	"github.com/fundops/positionloader/internal/types"
)

// intradayBatchCap bounds how many trade events one poll dispatches.
const intradayBatchCap = 100

// EODHandler runs one EOD trigger. A non-nil error parks the trigger.
type EODHandler func(ctx context.Context, trig types.EODTrigger) error

// TradeHandler applies one decoded trade batch. The handler owns per-event
// failure routing; a returned error is batch-level and parks nothing here.
type TradeHandler func(ctx context.Context, events []types.TradeEvent) error

// EODConsumer reads EOD_TRIGGER and dispatches each trigger individually
// over a bounded worker pool (per-account locks serialize runs for the
// same account). Offsets are committed only after every handler (or DLQ
// park) finishes, so a crash mid-run redelivers the triggers and
// idempotent replay absorbs them.
type EODConsumer struct {
	cl      *kgo.Client
	handler EODHandler
	park    *dlq.Writer
	pub     *Producer
	workers int
}

// NewEODConsumer joins the consumer group and subscribes to EOD_TRIGGER.
func NewEODConsumer(brokers []string, group string, workers int, handler EODHandler, park *dlq.Writer, pub *Producer) (*EODConsumer, error) {
	if workers <= 0 {
		workers = 8
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("posloader"),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(TopicEODTrigger),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}
	return &EODConsumer{cl: cl, handler: handler, park: park, pub: pub, workers: workers}, nil
}

// Run consumes until ctx is cancelled.
func (c *EODConsumer) Run(ctx context.Context) {
	for {
		fetches := c.cl.PollRecords(ctx, c.workers)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		logFetchErrors(fetches)

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for _, rec := range records {
			rec := rec
			g.Go(func() error {
				c.dispatch(gctx, rec)
				return nil
			})
		}
		_ = g.Wait()

		if err := c.cl.CommitRecords(ctx, records...); err != nil {
			debug.Logf("stream: commit %s: %v\n", TopicEODTrigger, err)
		}
	}
}

func (c *EODConsumer) dispatch(ctx context.Context, rec *kgo.Record) {
	var trig types.EODTrigger
	if err := json.Unmarshal(rec.Value, &trig); err != nil {
		c.deadLetter(ctx, rec, types.Fatal(types.CodeBadPayload, "unparseable EOD trigger", err))
		return
	}
	if trig.AccountID == 0 || trig.BusinessDate.IsZero() {
		c.deadLetter(ctx, rec, types.Fatal(types.CodeBadPayload, "EOD trigger missing account or date", nil))
		return
	}
	if err := c.handler(ctx, trig); err != nil {
		c.deadLetter(ctx, rec, err)
	}
}

func (c *EODConsumer) deadLetter(ctx context.Context, rec *kgo.Record, cause error) {
	if err := c.park.Park(ctx, TopicEODTrigger, string(rec.Key), rec.Value, cause); err != nil {
		debug.Logf("stream: park EOD trigger: %v\n", err)
	}
	if c.pub != nil {
		if err := c.pub.Publish(ctx, DLT(TopicEODTrigger), string(rec.Key), rec.Value); err != nil {
			debug.Logf("stream: DLT publish: %v\n", err)
		}
	}
}

// Close leaves the group.
func (c *EODConsumer) Close() {
	c.cl.Close()
}

// IntradayConsumer reads INTRADAY in batches. Decode failures are parked
// before dispatch; the whole decoded batch goes to the handler, which
// groups by account and parks per-event failures itself. Offsets commit
// only after the handler returns.
type IntradayConsumer struct {
	cl      *kgo.Client
	handler TradeHandler
	park    *dlq.Writer
	pub     *Producer
}

// NewIntradayConsumer joins the consumer group and subscribes to INTRADAY.
func NewIntradayConsumer(brokers []string, group string, handler TradeHandler, park *dlq.Writer, pub *Producer) (*IntradayConsumer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("posloader"),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(TopicIntraday),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}
	return &IntradayConsumer{cl: cl, handler: handler, park: park, pub: pub}, nil
}

// Run consumes until ctx is cancelled.
func (c *IntradayConsumer) Run(ctx context.Context) {
	for {
		fetches := c.cl.PollRecords(ctx, intradayBatchCap)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		logFetchErrors(fetches)

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}

		events := make([]types.TradeEvent, 0, len(records))
		for _, rec := range records {
			var ev types.TradeEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				c.deadLetter(ctx, rec, types.Fatal(types.CodeBadPayload, "unparseable trade event", err))
				continue
			}
			if ev.AccountID == 0 || ev.ExternalRefID == "" || !ev.Side.Valid() {
				c.deadLetter(ctx, rec, types.Fatal(types.CodeBadPayload, "trade event missing required keys", nil))
				continue
			}
			events = append(events, ev)
		}

		if len(events) > 0 {
			if err := c.handler(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
				debug.Logf("stream: trade batch: %v\n", err)
			}
		}
		if err := c.cl.CommitRecords(ctx, records...); err != nil {
			debug.Logf("stream: commit %s: %v\n", TopicIntraday, err)
		}
	}
}

func (c *IntradayConsumer) deadLetter(ctx context.Context, rec *kgo.Record, cause error) {
	if err := c.park.Park(ctx, TopicIntraday, string(rec.Key), rec.Value, cause); err != nil {
		debug.Logf("stream: park trade event: %v\n", err)
	}
	if c.pub != nil {
		if err := c.pub.Publish(ctx, DLT(TopicIntraday), string(rec.Key), rec.Value); err != nil {
			debug.Logf("stream: DLT publish: %v\n", err)
		}
	}
}

// Close leaves the group.
func (c *IntradayConsumer) Close() {
	c.cl.Close()
}
