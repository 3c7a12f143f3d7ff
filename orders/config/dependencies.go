package config

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/engine/store"
	"github.com/trellis/fulfillment/orders/activities"
	"github.com/trellis/fulfillment/orders/application"
	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/orders/handlers"
	"github.com/trellis/fulfillment/orders/infrastructure"
	"github.com/trellis/fulfillment/orders/workflow"
	"github.com/trellis/fulfillment/shared/telemetry"
)

type Dependencies struct {
	// Database, nil when running on the in-memory store
	DB *sqlx.DB

	// Saga runtime
	Runtime *engine.Runtime

	// Repositories
	OrderRepository    domain.OrderRepository
	PaymentRepository  domain.PaymentRepository
	ShipmentRepository domain.ShipmentRepository
	AuditRepository    domain.AuditRepository

	// Use Cases
	StartOrder     *application.StartOrder
	SignalOrder    *application.SignalOrder
	GetOrderStatus *application.GetOrderStatus
	GetAuditTrail  *application.GetAuditTrail

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers
}

func BuildDependencies(config *Config, tel *telemetry.Telemetry) (*Dependencies, error) {
	deps := &Dependencies{}

	var sagaStore store.Store
	switch config.Storage {
	case "memory":
		sagaStore = store.NewMemoryStore()
		deps.OrderRepository = infrastructure.NewMemoryOrderRepository()
		deps.PaymentRepository = infrastructure.NewMemoryPaymentRepository()
		deps.ShipmentRepository = infrastructure.NewMemoryShipmentRepository()
		deps.AuditRepository = infrastructure.NewMemoryAuditRepository()
	case "postgres":
		db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		deps.DB = db
		sagaStore = store.NewPostgresStore(db)
		deps.OrderRepository = infrastructure.NewPostgresOrderRepository(db)
		deps.PaymentRepository = infrastructure.NewPostgresPaymentRepository(db)
		deps.ShipmentRepository = infrastructure.NewPostgresShipmentRepository(db)
		deps.AuditRepository = infrastructure.NewPostgresAuditRepository(db)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", config.Storage)
	}

	deps.Runtime = engine.NewRuntime(sagaStore, tel, config.Engine.Workers)

	var faults *activities.FaultInjector
	if config.Faults.ErrorRate > 0 || config.Faults.HangRate > 0 {
		faults = activities.NewFaultInjector(config.Faults.ErrorRate, config.Faults.HangRate, config.Faults.Seed)
	}
	acts := activities.NewActivities(
		deps.OrderRepository,
		deps.PaymentRepository,
		deps.ShipmentRepository,
		deps.AuditRepository,
		faults,
	)
	acts.Register(deps.Runtime)

	opts := workflow.Options{
		ReviewWindow:     config.Engine.ReviewWindow,
		ShippingAttempts: config.Engine.ShippingAttempts,
		Activity:         engine.DefaultActivityOptions(),
	}
	if config.Engine.ActivityTimeout > 0 {
		opts.Activity.StartToCloseTimeout = config.Engine.ActivityTimeout
	}
	if config.Engine.ActivityAttempts > 0 {
		opts.Activity.Retry.MaxAttempts = config.Engine.ActivityAttempts
	}
	workflow.Register(deps.Runtime, opts)

	deps.StartOrder = application.NewStartOrder(deps.Runtime)
	deps.SignalOrder = application.NewSignalOrder(deps.Runtime, deps.OrderRepository, deps.AuditRepository)
	deps.GetOrderStatus = application.NewGetOrderStatus(deps.Runtime)
	deps.GetAuditTrail = application.NewGetAuditTrail(deps.AuditRepository)

	deps.OrderHandlers = handlers.NewOrderHandlers(
		deps.StartOrder,
		deps.SignalOrder,
		deps.GetOrderStatus,
		deps.GetAuditTrail,
	)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	if d.Runtime != nil {
		d.Runtime.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
