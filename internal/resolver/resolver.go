// Package resolver compiles desired per-client product actions into
// ordered action groups that respect the catalog's dependency constraints.
package resolver

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/models"
)

// Action is one product action of a plan
type Action struct {
	ProductID   string
	ProductType string
	Action      models.ActionRequest
	Priority    int
	Sequence    int // -1 when the action is none

	// Source is the input entry the action came from, nil when the action
	// was discovered through a dependency.
	Source *models.ProductOnClient
}

// ActionGroup is a set of actions that must be scheduled together
type ActionGroup struct {
	Priority     int
	Actions      []*Action
	Dependencies map[string][]models.ProductDependency // productId -> edges
}

// Resolver reads the catalog through an ObjectBackend; it holds no state
// between calls
type Resolver struct {
	backend backend.ObjectBackend
	logger  *slog.Logger
}

// New creates a resolver reading from b
func New(b backend.ObjectBackend, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{backend: b, logger: logger.With("component", "resolver")}
}

// ProductActionGroups resolves pocs into ordered action groups per client.
// Unavailable products are skipped when ignoreUnavailable is set and
// returned as errors otherwise.
func (r *Resolver) ProductActionGroups(ctx context.Context, pocs []models.ProductOnClient, ignoreUnavailable bool) (map[string][]ActionGroup, error) {
	byClient := make(map[string][]models.ProductOnClient)
	var clientIDs []string
	for _, poc := range pocs {
		if _, ok := byClient[poc.ClientID]; !ok {
			clientIDs = append(clientIDs, poc.ClientID)
		}
		byClient[poc.ClientID] = append(byClient[poc.ClientID], poc)
	}
	result := make(map[string][]ActionGroup)
	if len(clientIDs) == 0 {
		return result, nil
	}

	cat, err := loadCatalog(ctx, r.backend, clientIDs)
	if err != nil {
		return nil, err
	}

	for _, clientID := range clientIDs {
		p := &planner{
			cat:               cat,
			clientID:          clientID,
			ignoreUnavailable: ignoreUnavailable,
			logger:            r.logger,
			actions:           make(map[string][]*Action),
			edges:             make(map[string][]models.ProductDependency),
			groups:            newUnionFind(),
		}
		groups, err := p.plan(byClient[clientID])
		if err != nil {
			return nil, err
		}
		result[clientID] = groups
	}
	return result, nil
}

// ProductOnClients flattens groups into ProductOnClient entries carrying
// their action sequence. Dependency-discovered actions get fresh entries.
func ProductOnClients(clientID string, groups []ActionGroup) []models.ProductOnClient {
	var out []models.ProductOnClient
	for _, g := range groups {
		for _, a := range g.Actions {
			var poc models.ProductOnClient
			if a.Source != nil {
				poc = *a.Source
			} else {
				poc = models.ProductOnClient{
					ProductID:          a.ProductID,
					ProductType:        a.ProductType,
					ClientID:           clientID,
					InstallationStatus: models.StatusNotInstalled,
				}
			}
			poc.ActionRequest = a.Action
			poc.ActionSequence = a.Sequence
			out = append(out, poc)
		}
	}
	return out
}

// planner holds the working set of one client's resolution
type planner struct {
	cat               *catalog
	clientID          string
	ignoreUnavailable bool
	logger            *slog.Logger

	order   []string             // product ids in discovery order
	actions map[string][]*Action // productId -> accumulated actions
	edges   map[string][]models.ProductDependency
	groups  *unionFind
}

func (p *planner) plan(pocs []models.ProductOnClient) ([]ActionGroup, error) {
	for i := range pocs {
		poc := pocs[i]
		pod, product, err := p.cat.product(p.clientID, poc.ProductID)
		if err != nil {
			if p.skip(err) {
				continue
			}
			return nil, err
		}
		a := &Action{
			ProductID:   poc.ProductID,
			ProductType: pod.ProductType,
			Action:      poc.ActionRequest,
			Priority:    product.Priority,
			Source:      &poc,
		}
		p.add(a)
		if err := p.expand(a, product, []string{a.ProductID}); err != nil {
			return nil, err
		}
	}

	merged := p.mergeDuplicates()
	groups := p.buildGroups(merged)
	sortGroups(groups)
	assignSequence(groups)
	return groups, nil
}

// skip decides whether an availability error is swallowed
func (p *planner) skip(err error) bool {
	var notAvail *ProductNotAvailableError
	var notOnDepot *ProductNotAvailableOnDepotError
	if !errors.As(err, &notAvail) && !errors.As(err, &notOnDepot) {
		return false
	}
	if !p.ignoreUnavailable {
		return false
	}
	p.logger.Warn("skipping unavailable product", "client", p.clientID, "err", err)
	return true
}

func (p *planner) add(a *Action) {
	if _, ok := p.actions[a.ProductID]; !ok {
		p.order = append(p.order, a.ProductID)
		p.groups.add(a.ProductID)
	}
	p.actions[a.ProductID] = append(p.actions[a.ProductID], a)
}

// expand recursively adds the actions a depends on. path holds the
// product ids of the current recursion chain; an edge back into it is
// dropped.
func (p *planner) expand(a *Action, product models.Product, path []string) error {
	if !a.Action.IsSet() {
		return nil
	}
	for _, dep := range p.cat.dependenciesOf(product, a.Action) {
		if slices.Contains(path, dep.RequiredProductID) {
			p.logger.Debug("dependency closes a cycle, dropped",
				"product", a.ProductID, "required", dep.RequiredProductID)
			continue
		}
		required := requiredAction(dep)
		if !required.IsSet() {
			continue
		}

		pod, reqProduct, err := p.cat.product(p.clientID, dep.RequiredProductID)
		if err == nil && !pinMatches(dep, pod) {
			err = &ProductNotAvailableError{
				ProductID:      dep.RequiredProductID,
				ProductVersion: dep.RequiredProductVersion,
				PackageVersion: dep.RequiredPackageVersion,
			}
		}
		if err != nil {
			if p.skip(err) {
				continue
			}
			return err
		}
		if !reqProduct.HasScript(required) {
			p.logger.Debug("required product lacks script",
				"product", dep.RequiredProductID, "action", required)
			continue
		}

		if !slices.Contains(p.edges[a.ProductID], dep) {
			p.edges[a.ProductID] = append(p.edges[a.ProductID], dep)
		}
		if dep.RequirementType != models.RequirementNone {
			p.groups.union(a.ProductID, dep.RequiredProductID)
		}
		if p.satisfied(dep, required) {
			continue
		}

		reqAction := &Action{
			ProductID:   dep.RequiredProductID,
			ProductType: pod.ProductType,
			Action:      required,
			Priority:    reqProduct.Priority,
		}
		p.add(reqAction)
		if err := p.expand(reqAction, reqProduct, append(slices.Clip(path), dep.RequiredProductID)); err != nil {
			return err
		}
	}
	return nil
}

func requiredAction(dep models.ProductDependency) models.ActionRequest {
	if dep.RequiredAction.IsSet() {
		return dep.RequiredAction
	}
	switch dep.RequiredInstallationStatus {
	case models.StatusInstalled:
		return models.ActionSetup
	case models.StatusNotInstalled:
		return models.ActionUninstall
	}
	return models.ActionNone
}

func pinMatches(dep models.ProductDependency, pod models.ProductOnDepot) bool {
	if dep.RequiredProductVersion != "" && dep.RequiredProductVersion != pod.ProductVersion {
		return false
	}
	if dep.RequiredPackageVersion != "" && dep.RequiredPackageVersion != pod.PackageVersion {
		return false
	}
	return true
}

// satisfied reports whether the client already is in the state the dependency asks for
func (p *planner) satisfied(dep models.ProductDependency, required models.ActionRequest) bool {
	want := dep.RequiredInstallationStatus
	if want == "" {
		switch required {
		case models.ActionSetup:
			want = models.StatusInstalled
		case models.ActionUninstall:
			want = models.StatusNotInstalled
		default:
			return false
		}
	}

	cur, ok := p.cat.productOnClient[p.clientID][dep.RequiredProductID]
	if !ok {
		return want == models.StatusNotInstalled
	}
	if cur.InstallationStatus != want {
		return false
	}
	if want == models.StatusInstalled {
		if dep.RequiredProductVersion != "" && cur.ProductVersion != dep.RequiredProductVersion {
			return false
		}
		if dep.RequiredPackageVersion != "" && cur.PackageVersion != dep.RequiredPackageVersion {
			return false
		}
	}
	return true
}

// mergeDuplicates keeps one action per product: the first with a real
// action request, the first entry otherwise
func (p *planner) mergeDuplicates() map[string]*Action {
	merged := make(map[string]*Action, len(p.actions))
	for _, id := range p.order {
		candidates := p.actions[id]
		winner := candidates[0]
		for _, a := range candidates {
			if a.Action.IsSet() {
				winner = a
				break
			}
		}
		if winner.Source == nil {
			for _, a := range candidates {
				if a.Source != nil {
					winner.Source = a.Source
					break
				}
			}
		}
		merged[id] = winner
	}
	return merged
}

func (p *planner) buildGroups(merged map[string]*Action) []ActionGroup {
	var groups []ActionGroup
	for _, members := range p.groups.sets(p.order) {
		g := ActionGroup{Dependencies: make(map[string][]models.ProductDependency)}
		for i, id := range members {
			a := merged[id]
			g.Actions = append(g.Actions, a)
			if i == 0 || a.Priority > g.Priority {
				g.Priority = a.Priority
			}
			if deps := p.edges[id]; len(deps) > 0 {
				g.Dependencies[id] = deps
			}
		}
		slices.SortStableFunc(g.Actions, func(a, b *Action) int {
			if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
				return c
			}
			return cmp.Compare(a.ProductID, b.ProductID)
		})
		reorder(&g)
		groups = append(groups, g)
	}
	return groups
}

// reorder moves required actions before or after the actions that need
// them until a pass changes nothing. Contradictory constraints never
// settle; the pass count is bounded and the last order is kept.
func reorder(g *ActionGroup) {
	var edges []models.ProductDependency
	for _, a := range g.Actions {
		for _, dep := range g.Dependencies[a.ProductID] {
			if dep.RequirementType != models.RequirementNone {
				edges = append(edges, dep)
			}
		}
	}
	if len(edges) == 0 {
		return
	}

	index := func(productID string) int {
		return slices.IndexFunc(g.Actions, func(a *Action) bool { return a.ProductID == productID })
	}

	for range len(g.Actions) {
		changed := false
		for _, dep := range edges {
			pi, ri := index(dep.ProductID), index(dep.RequiredProductID)
			if pi < 0 || ri < 0 {
				continue
			}
			switch dep.RequirementType {
			case models.RequirementBefore:
				if ri > pi {
					g.Actions = move(g.Actions, ri, pi)
					changed = true
				}
			case models.RequirementAfter:
				if ri < pi {
					g.Actions = move(g.Actions, ri, pi)
					changed = true
				}
			}
		}
		if !changed {
			return
		}
	}
}

// move relocates the element at from so it ends up at index to
func move(actions []*Action, from, to int) []*Action {
	a := actions[from]
	actions = slices.Delete(actions, from, from+1)
	return slices.Insert(actions, to, a)
}

// sortGroups puts positive priorities first, highest first, followed by
// the non-positive ones, lowest first. Equal priorities order by the
// smallest product id of each group.
func sortGroups(groups []ActionGroup) {
	slices.SortStableFunc(groups, func(a, b ActionGroup) int {
		aPos, bPos := a.Priority > 0, b.Priority > 0
		switch {
		case aPos && !bPos:
			return -1
		case !aPos && bPos:
			return 1
		case a.Priority != b.Priority && aPos:
			return cmp.Compare(b.Priority, a.Priority)
		case a.Priority != b.Priority:
			return cmp.Compare(a.Priority, b.Priority)
		default:
			return cmp.Compare(minProductID(a), minProductID(b))
		}
	})
}

func minProductID(g ActionGroup) string {
	var id string
	for i, a := range g.Actions {
		if i == 0 || a.ProductID < id {
			id = a.ProductID
		}
	}
	return id
}

func assignSequence(groups []ActionGroup) {
	seq := 0
	for _, g := range groups {
		for _, a := range g.Actions {
			if a.Action.IsSet() {
				a.Sequence = seq
				seq++
			} else {
				a.Sequence = -1
			}
		}
	}
}
