// Package rabbitmq provides the broker session used by rabbitmq-dispatch.
//
// A Session owns exactly one AMQP connection and one channel. It exposes:
//   - Topology: DeclareExchange, DeclareQueue, BindQueue and DeclareTopology
//   - Publishing: Publish encodes a payload as a JSON message
//   - Consumption: Consume registers callbacks, StartConsuming runs the
//     blocking receive loop that serves them one delivery at a time
//   - Transactions: Tx, TxCommit and TxRollback
//
// There is no reconnection: when the channel closes, StartConsuming returns
// and the caller decides what happens next.
package rabbitmq
