package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/callbacks"
)

// fakeGroup реализует sarama.ConsumerGroup; Close закрывает errs, если closeErr не задан.
type fakeGroup struct {
	consume  func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errs     chan error
	closeErr error
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, h sarama.ConsumerGroupHandler) error {
	if g.consume == nil {
		<-ctx.Done()
		return nil
	}
	return g.consume(ctx, topics, h)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.errs != nil {
		close(g.errs)
	}
	return g.closeErr
}

func (*fakeGroup) Pause(map[string][]int32)  {}
func (*fakeGroup) Resume(map[string][]int32) {}
func (*fakeGroup) PauseAll()                 {}
func (*fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (*fakeSession) Claims() map[string][]int32               { return nil }
func (*fakeSession) MemberID() string                         { return "market-core-test" }
func (*fakeSession) GenerationID() int32                      { return 1 }
func (*fakeSession) MarkOffset(string, int32, int64, string)  {}
func (*fakeSession) Commit()                                  {}
func (*fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context               { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (*fakeClaim) Topic() string                              { return TopicAdminCallbacks }
func (*fakeClaim) Partition() int32                           { return 0 }
func (*fakeClaim) InitialOffset() int64                       { return 0 }
func (*fakeClaim) HighWaterMarkOffset() int64                 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// claimOf возвращает закрытый claim с сообщениями по смещениям offsets.
func claimOf(offsets ...int64) *fakeClaim {
	c := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, len(offsets))}
	for _, off := range offsets {
		c.msgs <- &sarama.ConsumerMessage{Topic: TopicAdminCallbacks, Offset: off, Value: []byte(`{}`)}
	}
	close(c.msgs)
	return c
}

func nopHandler(context.Context, *sarama.ConsumerMessage) error { return nil }

func testConsumer(handler MessageHandler, options ...ConsumerOption) *Consumer {
	options = append([]ConsumerOption{WithConsumerLogger(log.WithField("test", "consumer"))}, options...)
	return NewConsumerFrom(nil, []string{TopicAdminCallbacks}, handler, options...)
}

func TestNewConsumer_UnreachableBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a broker")
	}
	_, err := NewConsumer([]string{"127.0.0.1:1"}, "market-core", []string{TopicAdminCallbacks}, nopHandler)
	require.Error(t, err)
}

func TestNewConsumerFrom_Options(t *testing.T) {
	c := NewConsumerFrom(nil, nil, nopHandler)
	require.Equal(t, defaultMaxRetries, c.maxRetries)
	require.Equal(t, defaultRetryDelay, c.retryDelay)
	require.NotNil(t, c.logger)

	c = NewConsumerFrom(nil, nil, nopHandler, WithRetry(-3, 0))
	require.Zero(t, c.maxRetries)
}

func TestConsumer_Lifecycle(t *testing.T) {
	t.Run("consumes subscribed topics until canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan []string, 1)
		group := &fakeGroup{errs: make(chan error, 1)}
		group.consume = func(ctx context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
			started <- topics
			<-ctx.Done()
			return nil
		}
		group.errs <- errors.New("rebalance failed")

		c := NewConsumerFrom(group, []string{TopicAdminCallbacks}, nopHandler)
		require.NoError(t, c.Start(ctx))
		select {
		case topics := <-started:
			require.Equal(t, []string{TopicAdminCallbacks}, topics)
		case <-time.After(time.Second):
			t.Fatal("Consume was not called")
		}
		cancel()
		require.NoError(t, c.Stop())
	})

	t.Run("closed group ends the loop", func(t *testing.T) {
		group := &fakeGroup{errs: make(chan error)}
		group.consume = func(context.Context, []string, sarama.ConsumerGroupHandler) error {
			return sarama.ErrClosedConsumerGroup
		}
		c := NewConsumerFrom(group, nil, nopHandler)
		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Stop())
	})

	t.Run("close error is returned", func(t *testing.T) {
		group := &fakeGroup{errs: make(chan error), closeErr: errors.New("close failed")}
		c := NewConsumerFrom(group, nil, nopHandler)
		require.EqualError(t, c.Stop(), "close failed")
	})

	t.Run("setup and cleanup are no-ops", func(t *testing.T) {
		c := &Consumer{}
		require.NoError(t, c.Setup(nil))
		require.NoError(t, c.Cleanup(nil))
	})
}

func TestConsumeClaim_MarksOnlyHandled(t *testing.T) {
	ctx := context.Background()

	session := &fakeSession{ctx: ctx}
	require.NoError(t, testConsumer(nopHandler).ConsumeClaim(session, claimOf(1, 2)))
	require.Equal(t, []int64{1, 2}, session.marked)

	failing := func(context.Context, *sarama.ConsumerMessage) error { return errors.New("dispatcher down") }
	session = &fakeSession{ctx: ctx}
	require.NoError(t, testConsumer(failing, WithRetry(1, 0)).ConsumeClaim(session, claimOf(3)))
	require.Empty(t, session.marked, "failed message must stay uncommitted")
}

func TestConsumeClaim_StopsOnSessionDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- testConsumer(nopHandler).ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)})
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim ignored session cancellation")
	}
}

func TestHandleMessage(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: TopicAdminCallbacks, Partition: 2, Offset: 7, Key: []byte("key"), Value: []byte(`{"a":1}`)}

	t.Run("success", func(t *testing.T) {
		consumer := testConsumer(nopHandler, WithRetry(2, 0))
		require.NoError(t, consumer.handleMessage(context.Background(), msg))
	})

	t.Run("recovers on retry", func(t *testing.T) {
		attempts := 0
		consumer := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary")
			}
			return nil
		}, WithRetry(3, 0))
		require.NoError(t, consumer.handleMessage(context.Background(), msg))
		require.Equal(t, 3, attempts)
	})

	t.Run("exhausted without dlq", func(t *testing.T) {
		attempts := 0
		consumer := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			return errors.New("temporary")
		}, WithRetry(2, 0))
		require.Error(t, consumer.handleMessage(context.Background(), msg))
		require.Equal(t, 3, attempts)
	})

	t.Run("permanent goes to dlq without retries", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var letter DeadLetter
			if err := json.Unmarshal(val, &letter); err != nil {
				return err
			}
			if letter.Source != DeadLetterSourceConsumer || letter.OriginalTopic != TopicAdminCallbacks ||
				letter.Offset != 7 || letter.Key != "key" || letter.RetryCount != 0 {
				return fmt.Errorf("unexpected dead letter %+v", letter)
			}
			return nil
		})
		attempts := 0
		consumer := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			return Permanent(errors.New("bad payload"))
		}, WithRetry(3, 0), WithConsumerDeadLetter(NewDeadLetterPublisher(NewProducerFrom(mockProducer), "")))

		require.NoError(t, consumer.handleMessage(context.Background(), msg))
		require.Equal(t, 1, attempts)
		require.NoError(t, mockProducer.Close())
	})

	t.Run("dlq failure keeps message", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		consumer := testConsumer(
			func(context.Context, *sarama.ConsumerMessage) error { return errors.New("boom") },
			WithRetry(0, 0),
			WithConsumerDeadLetter(NewDeadLetterPublisher(NewProducerFrom(mockProducer), "")),
		)
		require.Error(t, consumer.handleMessage(context.Background(), msg))
		require.NoError(t, mockProducer.Close())
	})

	t.Run("context canceled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		consumer := testConsumer(
			func(context.Context, *sarama.ConsumerMessage) error { return errors.New("temporary") },
			WithRetry(5, time.Hour),
		)
		require.ErrorIs(t, consumer.handleMessage(ctx, msg), context.Canceled)
	})
}

func TestRetryCount(t *testing.T) {
	header := func(v string) *sarama.ConsumerMessage {
		return &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(v)}}}
	}
	require.Equal(t, 5, retryCount(header("5")))
	require.Zero(t, retryCount(header("bad")))
	require.Zero(t, retryCount(&sarama.ConsumerMessage{}))
}

type stubDispatcher struct {
	got []callbacks.Command
	err error
}

func (s *stubDispatcher) Dispatch(_ context.Context, cmd callbacks.Command) (callbacks.Result, error) {
	s.got = append(s.got, cmd)
	if s.err != nil {
		return callbacks.Result{}, s.err
	}
	return callbacks.Result{Message: "ok"}, nil
}

func TestCallbackHandler(t *testing.T) {
	t.Parallel()

	message := func(body string) *sarama.ConsumerMessage {
		return &sarama.ConsumerMessage{Topic: TopicAdminCallbacks, Value: []byte(body)}
	}

	t.Run("dispatches with default actor", func(t *testing.T) {
		d := &stubDispatcher{}
		h := CallbackHandler(d, nil)
		require.NoError(t, h(context.Background(), message(`{"callback_data":"order_cancel:o-1"}`)))
		require.Len(t, d.got, 1)
		require.Equal(t, "order_cancel:o-1", d.got[0].CallbackData)
		require.Equal(t, callbacks.DefaultActor, d.got[0].Actor)
	})

	t.Run("keeps actor from message", func(t *testing.T) {
		d := &stubDispatcher{}
		h := CallbackHandler(d, nil)
		require.NoError(t, h(context.Background(), message(`{"callback_data":"roe_apply:s-1","actor":"oksana"}`)))
		require.Equal(t, "oksana", d.got[0].Actor)
	})

	t.Run("malformed payload is permanent", func(t *testing.T) {
		h := CallbackHandler(&stubDispatcher{}, nil)
		require.ErrorIs(t, h(context.Background(), message("{")), ErrPermanent)
	})

	t.Run("stale button is acknowledged", func(t *testing.T) {
		d := &stubDispatcher{err: fmt.Errorf("%w: already applied", domain.ErrSuggestionState)}
		h := CallbackHandler(d, nil)
		require.NoError(t, h(context.Background(), message(`{"callback_data":"roe_apply:s-1"}`)))
	})

	t.Run("provider failure is retried", func(t *testing.T) {
		d := &stubDispatcher{err: fmt.Errorf("%w: carrier timeout", domain.ErrProvider)}
		h := CallbackHandler(d, nil)
		require.ErrorIs(t, h(context.Background(), message(`{"callback_data":"ttn_sync:o-1"}`)), domain.ErrProvider)
	})
}
