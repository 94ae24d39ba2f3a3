package models

import "slices"

// Host is a client or depot server known to the config server
type Host struct {
	ID       string   `json:"id"`
	Type     HostType `json:"type"`
	DepotURL string   `json:"depotRemoteUrl,omitempty"`
	Desc     string   `json:"description,omitempty"`
}

func (h Host) ObjectClass() string { return ClassHost }
func (h Host) Ident() string       { return h.ID }

// Product is one version of a software package in the catalog
type Product struct {
	ID              string `json:"id"`
	ProductVersion  string `json:"productVersion"`
	PackageVersion  string `json:"packageVersion"`
	Type            string `json:"type,omitempty"`
	Name            string `json:"name,omitempty"`
	Priority        int    `json:"priority"`
	LicenseRequired bool   `json:"licenseRequired,omitempty"`
	SetupScript     string `json:"setupScript,omitempty"`
	UninstallScript string `json:"uninstallScript,omitempty"`
	UpdateScript    string `json:"updateScript,omitempty"`
	AlwaysScript    string `json:"alwaysScript,omitempty"`
	OnceScript      string `json:"onceScript,omitempty"`
	CustomScript    string `json:"customScript,omitempty"`
}

func (p Product) ObjectClass() string { return ClassProduct }
func (p Product) Ident() string       { return MakeIdent(p.ID, p.ProductVersion, p.PackageVersion) }

// HasScript reports whether the product can run the given action
func (p Product) HasScript(action ActionRequest) bool {
	switch action {
	case ActionSetup:
		return p.SetupScript != ""
	case ActionUninstall:
		return p.UninstallScript != ""
	case ActionUpdate:
		return p.UpdateScript != ""
	case ActionAlways:
		return p.AlwaysScript != ""
	case ActionOnce:
		return p.OnceScript != ""
	case ActionCustom:
		return p.CustomScript != ""
	case ActionNone, "":
		return true
	}
	return false
}

// ProductOnDepot maps a product to the version a depot serves
type ProductOnDepot struct {
	ProductID      string `json:"productId"`
	ProductType    string `json:"productType,omitempty"`
	ProductVersion string `json:"productVersion"`
	PackageVersion string `json:"packageVersion"`
	DepotID        string `json:"depotId"`
	Locked         bool   `json:"locked,omitempty"`
}

func (p ProductOnDepot) ObjectClass() string { return ClassProductOnDepot }
func (p ProductOnDepot) Ident() string       { return MakeIdent(p.ProductID, p.ProductType, p.DepotID) }

// SameVersion reports whether both entries carry the same product and package version
func (p ProductOnDepot) SameVersion(o ProductOnDepot) bool {
	return p.ProductVersion == o.ProductVersion && p.PackageVersion == o.PackageVersion
}

// ProductOnClient is the per-client state of a product
type ProductOnClient struct {
	ProductID          string             `json:"productId"`
	ProductType        string             `json:"productType,omitempty"`
	ClientID           string             `json:"clientId"`
	InstallationStatus InstallationStatus `json:"installationStatus,omitempty"`
	ActionRequest      ActionRequest      `json:"actionRequest,omitempty"`
	ActionProgress     string             `json:"actionProgress,omitempty"`
	ActionResult       string             `json:"actionResult,omitempty"`
	LastAction         string             `json:"lastAction,omitempty"`
	ProductVersion     string             `json:"productVersion,omitempty"`
	PackageVersion     string             `json:"packageVersion,omitempty"`
	ActionSequence     int                `json:"actionSequence"`
}

func (p ProductOnClient) ObjectClass() string { return ClassProductOnClient }
func (p ProductOnClient) Ident() string       { return MakeIdent(p.ProductID, p.ProductType, p.ClientID) }

// EqualState compares the fields that carry client state. ActionProgress
// and ActionSequence are informational and ignored.
func (p ProductOnClient) EqualState(o ProductOnClient) bool {
	return p.InstallationStatus == o.InstallationStatus &&
		p.ActionRequest == o.ActionRequest &&
		p.ActionResult == o.ActionResult &&
		p.LastAction == o.LastAction &&
		p.ProductVersion == o.ProductVersion &&
		p.PackageVersion == o.PackageVersion
}

// ProductDependency is a catalog edge between a product action and a required product
type ProductDependency struct {
	ProductID                  string             `json:"productId"`
	ProductVersion             string             `json:"productVersion"`
	PackageVersion             string             `json:"packageVersion"`
	ProductAction              ActionRequest      `json:"productAction"`
	RequiredProductID          string             `json:"requiredProductId"`
	RequiredProductVersion     string             `json:"requiredProductVersion,omitempty"`
	RequiredPackageVersion     string             `json:"requiredPackageVersion,omitempty"`
	RequiredAction             ActionRequest      `json:"requiredAction,omitempty"`
	RequiredInstallationStatus InstallationStatus `json:"requiredInstallationStatus,omitempty"`
	RequirementType            RequirementType    `json:"requirementType,omitempty"`
}

func (d ProductDependency) ObjectClass() string { return ClassProductDependency }
func (d ProductDependency) Ident() string {
	return MakeIdent(d.ProductID, d.ProductVersion, d.PackageVersion, string(d.ProductAction), d.RequiredProductID)
}

// ProductPropertyState holds property values of a product for one object (client or depot)
type ProductPropertyState struct {
	ProductID  string   `json:"productId"`
	PropertyID string   `json:"propertyId"`
	ObjectID   string   `json:"objectId"`
	Values     []string `json:"values"`
}

func (s ProductPropertyState) ObjectClass() string { return ClassProductPropertyState }
func (s ProductPropertyState) Ident() string      { return MakeIdent(s.ProductID, s.PropertyID, s.ObjectID) }

// Config is a configuration key with its global default values
type Config struct {
	ID            string   `json:"id"`
	Description   string   `json:"description,omitempty"`
	DefaultValues []string `json:"defaultValues"`
	MultiValue    bool     `json:"multiValue,omitempty"`
}

func (c Config) ObjectClass() string { return ClassConfig }
func (c Config) Ident() string       { return c.ID }

// ConfigState overrides a Config's defaults for one object
type ConfigState struct {
	ConfigID string   `json:"configId"`
	ObjectID string   `json:"objectId"`
	Values   []string `json:"values"`
}

func (s ConfigState) ObjectClass() string { return ClassConfigState }
func (s ConfigState) Ident() string       { return MakeIdent(s.ConfigID, s.ObjectID) }

// EffectiveValues returns the per-object values when present, the defaults otherwise
func EffectiveValues(cfg Config, state *ConfigState) []string {
	if state != nil && state.Values != nil {
		return state.Values
	}
	return cfg.DefaultValues
}

// SameValues compares two value lists in order
func SameValues(a, b []string) bool {
	return slices.Equal(a, b)
}

// LicenseOnClient is a software license seat assigned to a client
type LicenseOnClient struct {
	SoftwareLicenseID string `json:"softwareLicenseId"`
	LicensePoolID     string `json:"licensePoolId"`
	ClientID          string `json:"clientId"`
	LicenseKey        string `json:"licenseKey,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

func (l LicenseOnClient) ObjectClass() string { return ClassLicenseOnClient }
func (l LicenseOnClient) Ident() string {
	return MakeIdent(l.SoftwareLicenseID, l.LicensePoolID, l.ClientID)
}

// SoftwareLicense is a license owned under a contract
type SoftwareLicense struct {
	ID                string `json:"id"`
	LicenseContractID string `json:"licenseContractId"`
	Type              string `json:"type,omitempty"`
	MaxInstallations  int    `json:"maxInstallations,omitempty"`
	ExpirationDate    string `json:"expirationDate,omitempty"`
}

func (l SoftwareLicense) ObjectClass() string { return ClassSoftwareLicense }
func (l SoftwareLicense) Ident() string       { return MakeIdent(l.ID, l.LicenseContractID) }

// LicenseContract groups software licenses
type LicenseContract struct {
	ID             string `json:"id"`
	Partner        string `json:"partner,omitempty"`
	ExpirationDate string `json:"expirationDate,omitempty"`
}

func (l LicenseContract) ObjectClass() string { return ClassLicenseContract }
func (l LicenseContract) Ident() string       { return l.ID }

// LicensePool binds licenses to products
type LicensePool struct {
	ID         string   `json:"id"`
	ProductIDs []string `json:"productIds,omitempty"`
}

func (l LicensePool) ObjectClass() string { return ClassLicensePool }
func (l LicensePool) Ident() string       { return l.ID }

// ClientToDepot is the depot assignment of a client
type ClientToDepot struct {
	ClientID string `json:"clientId"`
	DepotID  string `json:"depotId"`
}
