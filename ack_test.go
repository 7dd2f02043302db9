package dispatch

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func testDelivery(ack amqp.Acknowledger, tag uint64) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    "msg-1",
		Body:         []byte(`{"id":1}`),
	}
}

func TestAckPolicy(t *testing.T) {
	t.Run("acks on success by default", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)

		err := DefaultAckPolicy().settle(testDelivery(ack, 7), false, nil)

		assert.NoError(t, err)
		ack.AssertExpectations(t)
	})

	t.Run("nacks without requeue on failure by default", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, false).Return(nil)

		err := DefaultAckPolicy().settle(testDelivery(ack, 7), false, errors.New("boom"))

		assert.NoError(t, err)
		ack.AssertExpectations(t)
	})

	t.Run("requeues on failure when configured", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(3), false, true).Return(nil)

		policy := AckPolicy{Strategy: AckOnSuccess, RequeueOnError: true}
		err := policy.settle(testDelivery(ack, 3), false, errors.New("boom"))

		assert.NoError(t, err)
		ack.AssertExpectations(t)
	})

	t.Run("ack always ignores the handler result", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(2), false).Return(nil)

		policy := AckPolicy{Strategy: AckAlways}
		err := policy.settle(testDelivery(ack, 2), false, errors.New("boom"))

		assert.NoError(t, err)
		ack.AssertExpectations(t)
	})

	t.Run("manual and no-ack never settle", func(t *testing.T) {
		ack := &mockAcknowledger{}

		assert.NoError(t, AckPolicy{Strategy: AckManual}.settle(testDelivery(ack, 1), false, nil))
		assert.NoError(t, DefaultAckPolicy().settle(testDelivery(ack, 1), true, nil))
		assert.NoError(t, DefaultAckPolicy().settle(testDelivery(ack, 1), true, errors.New("boom")))

		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("wraps acknowledgment failures", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(9), false).Return(amqp.ErrClosed)

		err := DefaultAckPolicy().settle(testDelivery(ack, 9), false, nil)

		assert.ErrorIs(t, err, amqp.ErrClosed)
		assert.Contains(t, err.Error(), "failed to ack delivery 9")
	})
}

func TestAcknowledgmentStrategyString(t *testing.T) {
	assert.Equal(t, "ack-on-success", AckOnSuccess.String())
	assert.Equal(t, "ack-always", AckAlways.String())
	assert.Equal(t, "manual", AckManual.String())
	assert.Equal(t, "AcknowledgmentStrategy(9)", AcknowledgmentStrategy(9).String())
}

func TestParseAcknowledgmentStrategy(t *testing.T) {
	for _, strategy := range []AcknowledgmentStrategy{AckOnSuccess, AckAlways, AckManual} {
		parsed, err := ParseAcknowledgmentStrategy(strategy.String())
		assert.NoError(t, err)
		assert.Equal(t, strategy, parsed)
	}

	_, err := ParseAcknowledgmentStrategy("sometimes")
	assert.EqualError(t, err, `unknown acknowledgment strategy "sometimes"`)
}
