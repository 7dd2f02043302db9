// Package dispatch runs statically configured RabbitMQ consumers.
//
// A consumer binding names a connection, a queue and a handler. The
// Orchestrator selects the bindings of one connection, optionally narrowed to
// a single queue, builds every handler from a HandlerRegistry and registers
// them all on one broker session. Deliveries from every queue are then
// handled one at a time by a single receive loop.
//
// Basic usage:
//
//	cfg, err := config.Load("rabbitmq.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	registry := dispatch.NewHandlerRegistry()
//	registry.MustRegister("orders", func() (dispatch.Handler, error) {
//		return dispatch.HandlerFunc(func(ctx context.Context, msg amqp.Delivery) error {
//			log.Printf("order: %s", msg.Body)
//			return nil
//		}), nil
//	})
//
//	orchestrator := dispatch.NewOrchestrator(cfg, registry)
//	if err := orchestrator.Run(ctx, "default", ""); err != nil {
//		log.Fatal(err)
//	}
//
// Deliveries are acknowledged after the handler returns without error and
// rejected without requeue when it fails. Consumers configured with noAck are
// never settled. See AckPolicy.
package dispatch
