package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestChannelPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes once and stamps timestamp", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithContext", mock.Anything, "courier.producer@M", "", false, false,
			mock.MatchedBy(func(msg amqp.Publishing) bool {
				return string(msg.Body) == "hello" && !msg.Timestamp.IsZero()
			})).Return(nil).Once()

		p := NewChannelPublisher(ch)
		require.NoError(t, p.Publish(ctx, "courier.producer@M", "", amqp.Publishing{Body: []byte("hello")}))
		ch.AssertExpectations(t)
	})

	t.Run("wraps channel failure", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithContext", mock.Anything, "", "courier.shared", false, false, mock.Anything).
			Return(amqp.ErrClosed).Once()

		err := NewChannelPublisher(ch).Publish(ctx, "", "courier.shared", amqp.Publishing{})
		require.Error(t, err)

		var pubErr *PublishError
		require.True(t, errors.As(err, &pubErr))
		assert.Equal(t, "courier.shared", pubErr.RoutingKey)
		assert.ErrorIs(t, err, amqp.ErrClosed)
		assert.Contains(t, err.Error(), "(default)")
		ch.AssertNumberOfCalls(t, "PublishWithContext", 1)
	})

	t.Run("cancelled context never reaches the channel", func(t *testing.T) {
		ch := &mockChannel{}
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := NewChannelPublisher(ch).Publish(cancelled, "", "q", amqp.Publishing{})
		assert.ErrorIs(t, err, context.Canceled)
		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("confirm mode uses deferred confirmations", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithDeferredConfirmWithContext", mock.Anything, "", "q", false, false, mock.Anything).
			Return(nil, nil).Once()

		p := NewChannelPublisher(ch, WithConfirms(true))
		require.NoError(t, p.Publish(ctx, "", "q", amqp.Publishing{}))
		ch.AssertExpectations(t)
		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("concurrent publishers are serialized", func(t *testing.T) {
		ch := &mockChannel{}
		var active, maxActive int
		var mu sync.Mutex
		ch.On("PublishWithContext", mock.Anything, "", "q", false, false, mock.Anything).
			Run(func(mock.Arguments) {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(100 * time.Microsecond)

				mu.Lock()
				active--
				mu.Unlock()
			}).Return(nil)

		p := NewChannelPublisher(ch)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, p.Publish(ctx, "", "q", amqp.Publishing{}))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, maxActive)
		ch.AssertNumberOfCalls(t, "PublishWithContext", 50)
	})
}
