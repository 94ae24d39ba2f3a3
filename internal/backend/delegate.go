package backend

import (
	"context"
	"sync"

	"github.com/marcus/cacheagent/internal/models"
)

// Delegate forwards every ObjectBackend call to a target that can be
// swapped at runtime. Consumers keep one handle while the agent switches
// between the config server and the local work store.
type Delegate struct {
	mu     sync.RWMutex
	target ObjectBackend
}

// NewDelegate creates a delegate forwarding to target
func NewDelegate(target ObjectBackend) *Delegate {
	return &Delegate{target: target}
}

// SetTarget replaces the backend calls are forwarded to
func (d *Delegate) SetTarget(target ObjectBackend) {
	d.mu.Lock()
	d.target = target
	d.mu.Unlock()
}

// Target returns the current target
func (d *Delegate) Target() ObjectBackend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.target
}

var _ ObjectBackend = (*Delegate)(nil)

func (d *Delegate) HostGetObjects(ctx context.Context, ids ...string) ([]models.Host, error) {
	return d.Target().HostGetObjects(ctx, ids...)
}

func (d *Delegate) ProductGetObjects(ctx context.Context, ids ...string) ([]models.Product, error) {
	return d.Target().ProductGetObjects(ctx, ids...)
}

func (d *Delegate) ProductOnDepotGetObjects(ctx context.Context, depotIDs []string, productIDs ...string) ([]models.ProductOnDepot, error) {
	return d.Target().ProductOnDepotGetObjects(ctx, depotIDs, productIDs...)
}

func (d *Delegate) ProductOnClientGetObjects(ctx context.Context, clientIDs []string, productIDs ...string) ([]models.ProductOnClient, error) {
	return d.Target().ProductOnClientGetObjects(ctx, clientIDs, productIDs...)
}

func (d *Delegate) ProductDependencyGetObjects(ctx context.Context, productIDs ...string) ([]models.ProductDependency, error) {
	return d.Target().ProductDependencyGetObjects(ctx, productIDs...)
}

func (d *Delegate) ProductPropertyStateGetObjects(ctx context.Context, objectIDs []string, productIDs ...string) ([]models.ProductPropertyState, error) {
	return d.Target().ProductPropertyStateGetObjects(ctx, objectIDs, productIDs...)
}

func (d *Delegate) ConfigGetObjects(ctx context.Context, ids ...string) ([]models.Config, error) {
	return d.Target().ConfigGetObjects(ctx, ids...)
}

func (d *Delegate) ConfigStateGetObjects(ctx context.Context, objectIDs []string, configIDs ...string) ([]models.ConfigState, error) {
	return d.Target().ConfigStateGetObjects(ctx, objectIDs, configIDs...)
}

func (d *Delegate) ConfigStateGetClientToDepotserver(ctx context.Context, clientIDs ...string) ([]models.ClientToDepot, error) {
	return d.Target().ConfigStateGetClientToDepotserver(ctx, clientIDs...)
}

func (d *Delegate) LicenseOnClientGetOrCreate(ctx context.Context, clientID, productID string) (*models.LicenseOnClient, error) {
	return d.Target().LicenseOnClientGetOrCreate(ctx, clientID, productID)
}

func (d *Delegate) LicenseOnClientGetObjects(ctx context.Context, clientIDs ...string) ([]models.LicenseOnClient, error) {
	return d.Target().LicenseOnClientGetObjects(ctx, clientIDs...)
}

func (d *Delegate) SoftwareLicenseGetObjects(ctx context.Context, ids ...string) ([]models.SoftwareLicense, error) {
	return d.Target().SoftwareLicenseGetObjects(ctx, ids...)
}

func (d *Delegate) LicenseContractGetObjects(ctx context.Context, ids ...string) ([]models.LicenseContract, error) {
	return d.Target().LicenseContractGetObjects(ctx, ids...)
}

func (d *Delegate) LicensePoolGetObjects(ctx context.Context, ids ...string) ([]models.LicensePool, error) {
	return d.Target().LicensePoolGetObjects(ctx, ids...)
}

func (d *Delegate) ProductOnClientUpdateObjects(ctx context.Context, objs []models.ProductOnClient) error {
	return d.Target().ProductOnClientUpdateObjects(ctx, objs)
}

func (d *Delegate) ProductOnClientDeleteObjects(ctx context.Context, objs []models.ProductOnClient) error {
	return d.Target().ProductOnClientDeleteObjects(ctx, objs)
}

func (d *Delegate) ConfigStateUpdateObjects(ctx context.Context, objs []models.ConfigState) error {
	return d.Target().ConfigStateUpdateObjects(ctx, objs)
}

func (d *Delegate) ConfigStateDeleteObjects(ctx context.Context, objs []models.ConfigState) error {
	return d.Target().ConfigStateDeleteObjects(ctx, objs)
}

func (d *Delegate) ProductPropertyStateUpdateObjects(ctx context.Context, objs []models.ProductPropertyState) error {
	return d.Target().ProductPropertyStateUpdateObjects(ctx, objs)
}

func (d *Delegate) ProductPropertyStateDeleteObjects(ctx context.Context, objs []models.ProductPropertyState) error {
	return d.Target().ProductPropertyStateDeleteObjects(ctx, objs)
}

func (d *Delegate) LicenseOnClientUpdateObjects(ctx context.Context, objs []models.LicenseOnClient) error {
	return d.Target().LicenseOnClientUpdateObjects(ctx, objs)
}

func (d *Delegate) LicenseOnClientDeleteObjects(ctx context.Context, objs []models.LicenseOnClient) error {
	return d.Target().LicenseOnClientDeleteObjects(ctx, objs)
}
