package broker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lxplabs/ai-fabric/internal/logger"
)

func testAdapter() *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:    Config{},
		logger: logger.New(logger.Config{Level: slog.LevelError, Format: "text"}).WithComponent("broker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// With prefetch > 1 the queue loop must not head-of-line block: a slow
// handler may hold one delivery while later deliveries are handled.
func TestRunConsumerDispatchesConcurrently(t *testing.T) {
	a := testAdapter()
	defer a.cancel()

	deliveries := make(chan amqp.Delivery)
	started := make(chan struct{}, 8)
	release := make(chan struct{})

	spec := consumerSpec{queue: "q.assist", handler: func(amqp.Delivery) {
		started <- struct{}{}
		<-release
	}}

	done := make(chan struct{})
	go func() {
		a.runConsumer(spec, deliveries)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		deliveries <- amqp.Delivery{}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler %d never started while earlier handlers were still running", i)
		}
	}

	close(release)
	close(deliveries)
	<-done
	// Handlers are tracked on the adapter's wait group so Close drains
	// them; this must not hang once they finish.
	a.wg.Wait()
}

func TestRunConsumerStopsOnShutdown(t *testing.T) {
	a := testAdapter()
	deliveries := make(chan amqp.Delivery)
	spec := consumerSpec{queue: "q.assist", handler: func(amqp.Delivery) {}}

	done := make(chan struct{})
	go func() {
		a.runConsumer(spec, deliveries)
		close(done)
	}()

	a.cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop kept running after shutdown")
	}
}
