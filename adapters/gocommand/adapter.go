package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	gatewaycommand "github.com/goliatone/go-graph-gateway/command"
	"github.com/goliatone/go-graph-gateway/core"
	gatewayquery "github.com/goliatone/go-graph-gateway/query"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

// AddQueueResolver mirrors registered handlers into a go-job command
// registry so they can also run as queued jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.register(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.register(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Dispatch validates msg before handing it to the dispatcher.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchWithResult runs a command that stores a result in the context
// collector and returns that result.
func DispatchWithResult[T any, R any](ctx context.Context, msg T) (R, error) {
	collector := command.NewResult[R]()
	err := Dispatch(command.ContextWithResult(ctx, collector), msg)
	out, _ := collector.Load()
	return out, err
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

// EventQueue is the delivery queue surface the event handlers need.
type EventQueue interface {
	gatewaycommand.EventAcknowledger
	gatewayquery.EventDequeuer
	gatewayquery.FailedEventLister
}

// Handlers lists the dependencies of the gateway handlers. Nil dependencies
// leave their handlers unregistered.
type Handlers struct {
	Credentials  core.TokenStore
	Expiring     core.ExpiringLister
	Ingress      gatewaycommand.WebhookIngester
	Events       EventQueue
	Budgets      gatewayquery.BudgetReader
	ExpiryWindow time.Duration
}

// Wiring holds the dispatcher subscriptions created by Wire.
type Wiring struct {
	subscriptions []commanddispatcher.Subscription
}

func (w *Wiring) Len() int {
	if w == nil {
		return 0
	}
	return len(w.subscriptions)
}

func (w *Wiring) Unsubscribe() {
	if w == nil {
		return
	}
	for _, subscription := range w.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	w.subscriptions = nil
}

// Wire registers and subscribes every gateway command and query whose
// dependency is present. On error nothing stays subscribed.
func Wire(adapter *RegistryAdapter, handlers Handlers) (*Wiring, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	wiring := &Wiring{}
	var errs []error
	add := func(subscription commanddispatcher.Subscription, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		wiring.subscriptions = append(wiring.subscriptions, subscription)
	}

	if handlers.Credentials != nil {
		add(RegisterAndSubscribe(adapter, gatewaycommand.NewPutCredentialCommand(handlers.Credentials)))
		add(RegisterAndSubscribeQuery(adapter, gatewayquery.NewGetCredentialQuery(handlers.Credentials)))
	}
	if handlers.Expiring != nil {
		add(RegisterAndSubscribeQuery(adapter, gatewayquery.NewListExpiringCredentialsQuery(handlers.Expiring, handlers.ExpiryWindow)))
	}
	if handlers.Ingress != nil {
		add(RegisterAndSubscribe(adapter, gatewaycommand.NewIngestWebhookCommand(handlers.Ingress)))
	}
	if handlers.Events != nil {
		add(RegisterAndSubscribe(adapter, gatewaycommand.NewAckEventCommand(handlers.Events)))
		add(RegisterAndSubscribe(adapter, gatewaycommand.NewNackEventCommand(handlers.Events)))
		add(RegisterAndSubscribe(adapter, gatewaycommand.NewRequeueEventCommand(handlers.Events)))
		add(RegisterAndSubscribeQuery(adapter, gatewayquery.NewDequeueEventQuery(handlers.Events)))
		add(RegisterAndSubscribeQuery(adapter, gatewayquery.NewListFailedEventsQuery(handlers.Events)))
	}
	if handlers.Budgets != nil {
		add(RegisterAndSubscribeQuery(adapter, gatewayquery.NewRateBudgetQuery(handlers.Budgets)))
	}

	if len(errs) > 0 {
		wiring.Unsubscribe()
		return nil, errors.Join(errs...)
	}
	return wiring, nil
}
