package server

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/pkg/service"
)

type instanceKey struct {
	name string
	typ  reflect.Type
}

// instancePool holds exactly one instance per service for the lifetime of
// the process. Reloads reuse an instance when the service keeps its name
// and type, so expensive Setup work is not repeated.
type instancePool struct {
	mu        sync.Mutex
	instances map[instanceKey]any
	order     []instanceKey
}

func newInstancePool() *instancePool {
	return &instancePool{instances: make(map[instanceKey]any)}
}

// resolve returns an instance for every service, constructing the missing
// ones. Nothing is kept if any construction fails.
func (p *instancePool) resolve(ctx context.Context, services []*service.ServiceDefinition) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := ctrl.LoggerFrom(ctx)
	out := make(map[string]any, len(services))
	created := make(map[instanceKey]any)
	for _, svc := range services {
		key := instanceKey{name: svc.Name, typ: svc.Type}
		if inst, ok := p.instances[key]; ok {
			out[svc.Name] = inst
			continue
		}
		inst, err := svc.NewInstance(ctx)
		if err != nil {
			closeAll(ctx, created)
			return nil, err
		}
		log.Info("Created service instance", "service", svc.Name, "type", svc.Type.String())
		created[key] = inst
		out[svc.Name] = inst
	}
	for _, svc := range services {
		key := instanceKey{name: svc.Name, typ: svc.Type}
		if inst, ok := created[key]; ok {
			p.instances[key] = inst
			p.order = append(p.order, key)
		}
	}
	return out, nil
}

// close releases every instance implementing io.Closer, newest first.
func (p *instancePool) close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for i := len(p.order) - 1; i >= 0; i-- {
		key := p.order[i]
		if c, ok := p.instances[key].(io.Closer); ok {
			if err := c.Close(); err != nil {
				ctrl.LoggerFrom(ctx).Error(err, "Closing service instance failed", "service", key.name)
				errs = append(errs, err)
			}
		}
	}
	p.instances = make(map[instanceKey]any)
	p.order = nil
	return errors.Join(errs...)
}

func closeAll(ctx context.Context, instances map[instanceKey]any) {
	for key, inst := range instances {
		if c, ok := inst.(io.Closer); ok {
			if err := c.Close(); err != nil {
				ctrl.LoggerFrom(ctx).Error(err, "Closing service instance failed", "service", key.name)
			}
		}
	}
}
