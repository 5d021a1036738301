// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package jobs hosts the operational job runners: cache clearing,
// corruption detection and removal, log filtering, and database
// reset. Every runner registers with the operation registry, streams
// progress over the event bus and respects cancellation at each
// suspension point.
package jobs

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/operations"
)

var (
	// Error is the default error class for the jobs package.
	Error = errs.Class("jobs")
	// ErrInvalid marks malformed inputs (bad service names, unknown
	// tables); nothing is mutated when it is returned.
	ErrInvalid = errs.Class("invalid job input")

	mon = monkit.Package()
)

// Config configures the job runners.
type Config struct {
	LogManagerBin        string        `help:"path of the log manager binary" default:"log_manager"`
	CorruptionManagerBin string        `help:"path of the corruption manager binary" default:"corruption_manager"`
	LogDir               string        `help:"cache access log directory" default:"/var/log/lancache"`
	CacheDir             string        `help:"cache content root" default:"/var/cache/lancache"`
	Timezone             string        `help:"iana timezone passed to external tools" default:"UTC"`
	ProgressPollInterval time.Duration `help:"how often external tool progress files are polled" default:"500ms"`
	ResetBatchSize       int           `help:"rows deleted per batch during database reset" default:"100000"`
}

// Service owns the runners and parents their goroutines.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	registry *operations.Registry
	bus      *events.Bus
	resetDB  ResetDB
	dataDir  string
	config   Config

	mu      sync.Mutex
	rootCtx context.Context
	wg      sync.WaitGroup
}

// NewService creates the job runner service.
func NewService(log *zap.Logger, registry *operations.Registry, bus *events.Bus, resetDB ResetDB, dataDir string, config Config) *Service {
	if config.ProgressPollInterval <= 0 {
		config.ProgressPollInterval = 500 * time.Millisecond
	}
	if config.ResetBatchSize <= 0 {
		config.ResetBatchSize = 100_000
	}
	return &Service{
		log:      log,
		registry: registry,
		bus:      bus,
		resetDB:  resetDB,
		dataDir:  dataDir,
		config:   config,
	}
}

// Run parents every job goroutine to ctx and blocks until shutdown.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	service.mu.Lock()
	service.rootCtx = ctx
	service.mu.Unlock()

	<-ctx.Done()
	service.wg.Wait()
	return nil
}

// Close waits for live jobs to finish unwinding.
func (service *Service) Close() error {
	service.wg.Wait()
	return nil
}

// progressFunc receives job progress in [0,100].
type progressFunc func(percent float64, message string)

// jobFunc is one runner body. The returned result lands on the
// operation record for read-back.
type jobFunc func(ctx context.Context, progress progressFunc) (result map[string]interface{}, err error)

// start registers the job and runs fn on its own goroutine: emit
// Started, stream Progress, terminate exactly once. The registry emits
// the Complete event.
func (service *Service) start(ctx context.Context, kind operations.Kind, scope, label string, fn jobFunc) (_ uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	service.mu.Lock()
	root := service.rootCtx
	service.mu.Unlock()
	if root == nil {
		root = context.Background()
	}

	jobCtx, cancel := context.WithCancel(root)
	record, err := service.registry.Register(ctx, kind, scope, label, cancel)
	if err != nil {
		cancel()
		return uuid.UUID{}, err
	}

	service.wg.Add(1)
	go func() {
		defer service.wg.Done()
		defer cancel()

		service.bus.Publish(events.GroupAuthenticated, string(kind)+"Started", JobEvent{
			OperationID: record.ID.String(),
			Scope:       scope,
			Message:     label,
		})

		progress := func(percent float64, message string) {
			service.registry.SetProgress(record.ID, percent, message)
			service.bus.Publish(events.GroupAuthenticated, string(kind)+"Progress", JobEvent{
				OperationID: record.ID.String(),
				Scope:       scope,
				Percent:     percent,
				Message:     message,
			})
		}

		result, err := fn(jobCtx, progress)
		if err != nil {
			service.log.Warn("job finished with error",
				zap.String("kind", string(kind)), zap.String("scope", scope), zap.Error(err))
		} else if result != nil {
			service.registry.SetResult(record.ID, result)
		}
		if completeErr := service.registry.Complete(context.WithoutCancel(jobCtx), record.ID, err); completeErr != nil {
			service.log.Warn("failed to complete job record", zap.Error(completeErr))
		}
	}()
	return record.ID, nil
}

// Cancel requests cancellation of a running job.
func (service *Service) Cancel(id uuid.UUID) error {
	return service.registry.Cancel(id)
}

// JobEvent is the payload of <Kind>Started and <Kind>Progress events.
type JobEvent struct {
	OperationID string  `json:"operationId"`
	Scope       string  `json:"scope,omitempty"`
	Percent     float64 `json:"percent"`
	Message     string  `json:"message,omitempty"`
}

// rawIPv4 matches service names that are actually client addresses
// leaked into the service column.
var rawIPv4 = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// reservedServiceNames never name a cacheable service.
var reservedServiceNames = map[string]bool{
	"localhost":  true,
	"ip-address": true,
}

// ValidServiceName reports whether name may be used as a job scope.
func ValidServiceName(name string) bool {
	if name == "" || rawIPv4.MatchString(name) {
		return false
	}
	return !reservedServiceNames[name]
}

// validateService returns ErrInvalid for unusable service names.
func validateService(name string) error {
	if !ValidServiceName(name) {
		return ErrInvalid.New("service name %q", name)
	}
	return nil
}
