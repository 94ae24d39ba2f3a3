package resolver

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/models"
)

// catalog is the read-only data one resolution works against
type catalog struct {
	clientDepot     map[string]string                           // clientId -> depotId
	productOnDepot  map[string]map[string]models.ProductOnDepot // depotId -> productId -> pod
	products        map[string]models.Product                   // product ident -> product
	dependencies    map[string][]models.ProductDependency       // product ident + action -> deps
	productOnClient map[string]map[string]models.ProductOnClient // clientId -> productId -> poc
}

func dependencyKey(productIdent string, action models.ActionRequest) string {
	return productIdent + "|" + string(action)
}

func loadCatalog(ctx context.Context, b backend.ObjectBackend, clientIDs []string) (*catalog, error) {
	c := &catalog{
		clientDepot:     make(map[string]string),
		productOnDepot:  make(map[string]map[string]models.ProductOnDepot),
		products:        make(map[string]models.Product),
		dependencies:    make(map[string][]models.ProductDependency),
		productOnClient: make(map[string]map[string]models.ProductOnClient),
	}

	assignments, err := b.ConfigStateGetClientToDepotserver(ctx, clientIDs...)
	if err != nil {
		return nil, fmt.Errorf("get client depots: %w", err)
	}
	var depotIDs []string
	for _, a := range assignments {
		c.clientDepot[a.ClientID] = a.DepotID
		if !slices.Contains(depotIDs, a.DepotID) {
			depotIDs = append(depotIDs, a.DepotID)
		}
	}

	if len(depotIDs) > 0 {
		pods, err := b.ProductOnDepotGetObjects(ctx, depotIDs)
		if err != nil {
			return nil, fmt.Errorf("get products on depot: %w", err)
		}
		for _, pod := range pods {
			if c.productOnDepot[pod.DepotID] == nil {
				c.productOnDepot[pod.DepotID] = make(map[string]models.ProductOnDepot)
			}
			c.productOnDepot[pod.DepotID][pod.ProductID] = pod
		}
	}

	products, err := b.ProductGetObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	for _, p := range products {
		c.products[p.Ident()] = p
	}

	deps, err := b.ProductDependencyGetObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("get product dependencies: %w", err)
	}
	for _, d := range deps {
		key := dependencyKey(models.MakeIdent(d.ProductID, d.ProductVersion, d.PackageVersion), d.ProductAction)
		c.dependencies[key] = append(c.dependencies[key], d)
	}
	for key := range c.dependencies {
		slices.SortFunc(c.dependencies[key], func(a, b models.ProductDependency) int {
			return cmp.Compare(a.RequiredProductID, b.RequiredProductID)
		})
	}

	pocs, err := b.ProductOnClientGetObjects(ctx, clientIDs)
	if err != nil {
		return nil, fmt.Errorf("get products on client: %w", err)
	}
	for _, poc := range pocs {
		if c.productOnClient[poc.ClientID] == nil {
			c.productOnClient[poc.ClientID] = make(map[string]models.ProductOnClient)
		}
		c.productOnClient[poc.ClientID][poc.ProductID] = poc
	}
	return c, nil
}

// product resolves the version of productID the client's depot serves
func (c *catalog) product(clientID, productID string) (models.ProductOnDepot, models.Product, error) {
	depotID := c.clientDepot[clientID]
	pod, ok := c.productOnDepot[depotID][productID]
	if !ok {
		return pod, models.Product{}, &ProductNotAvailableOnDepotError{ProductID: productID, DepotID: depotID}
	}
	p, ok := c.products[models.MakeIdent(pod.ProductID, pod.ProductVersion, pod.PackageVersion)]
	if !ok {
		return pod, p, &ProductNotAvailableError{ProductID: productID, ProductVersion: pod.ProductVersion, PackageVersion: pod.PackageVersion}
	}
	return pod, p, nil
}

func (c *catalog) dependenciesOf(p models.Product, action models.ActionRequest) []models.ProductDependency {
	return c.dependencies[dependencyKey(p.Ident(), action)]
}
