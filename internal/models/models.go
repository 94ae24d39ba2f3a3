package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ActionRequest is the action a client should run for a product
type ActionRequest string

const (
	ActionNone      ActionRequest = "none"
	ActionSetup     ActionRequest = "setup"
	ActionUninstall ActionRequest = "uninstall"
	ActionUpdate    ActionRequest = "update"
	ActionOnce      ActionRequest = "once"
	ActionCustom    ActionRequest = "custom"
	ActionAlways    ActionRequest = "always"
)

// IsSet reports whether the request names a real action (not none or empty)
func (a ActionRequest) IsSet() bool {
	return a != "" && a != ActionNone
}

// IsValidActionRequest checks if an action request is valid
func IsValidActionRequest(a ActionRequest) bool {
	switch a {
	case "", ActionNone, ActionSetup, ActionUninstall, ActionUpdate, ActionOnce, ActionCustom, ActionAlways:
		return true
	}
	return false
}

// InstallationStatus represents the installation state of a product on a client
type InstallationStatus string

const (
	StatusInstalled    InstallationStatus = "installed"
	StatusNotInstalled InstallationStatus = "not_installed"
	StatusUnknown      InstallationStatus = "unknown"
)

// RequirementType orders a dependency relative to the product that requires it
type RequirementType string

const (
	RequirementNone   RequirementType = ""
	RequirementBefore RequirementType = "before"
	RequirementAfter  RequirementType = "after"
)

// HostType distinguishes clients from depot servers
type HostType string

const (
	HostTypeClient HostType = "OpsiClient"
	HostTypeDepot  HostType = "OpsiDepotserver"
)

// Object classes as they appear in the modification log and in the
// object store.
const (
	ClassHost                 = "Host"
	ClassProduct              = "Product"
	ClassProductOnDepot       = "ProductOnDepot"
	ClassProductOnClient      = "ProductOnClient"
	ClassProductDependency    = "ProductDependency"
	ClassProductPropertyState = "ProductPropertyState"
	ClassConfig               = "Config"
	ClassConfigState          = "ConfigState"
	ClassLicenseOnClient      = "LicenseOnClient"
	ClassSoftwareLicense      = "SoftwareLicense"
	ClassLicenseContract      = "LicenseContract"
	ClassLicensePool          = "LicensePool"
)

// Object is anything stored in the work and snapshot stores
type Object interface {
	ObjectClass() string
	Ident() string
}

// MakeIdent joins identity attributes in identity order
func MakeIdent(parts ...string) string {
	return strings.Join(parts, ";")
}

// Command is the kind of local mutation recorded in the modification log
type Command string

const (
	CommandInsert Command = "insert"
	CommandUpdate Command = "update"
	CommandDelete Command = "delete"
)

// ModificationRecord is one entry of the modification log
type ModificationRecord struct {
	ID          int64           `json:"id"`
	Command     Command         `json:"command"`
	ObjectClass string          `json:"object_class"`
	Ident       string          `json:"ident"`
	Object      json.RawMessage `json:"object,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CacheEntry is the durable caching state of one product
type CacheEntry struct {
	Started        *time.Time `json:"started"`
	Completed      *time.Time `json:"completed"`
	Failure        string     `json:"failure,omitempty"`
	ProductVersion string     `json:"product_version,omitempty"`
	PackageVersion string     `json:"package_version,omitempty"`
}

// CacheStatus is the derived state of a CacheEntry
type CacheStatus string

const (
	CacheNotCached CacheStatus = "not_cached"
	CacheStarted   CacheStatus = "started"
	CacheCompleted CacheStatus = "completed"
	CacheFailed    CacheStatus = "failed"
)

// Status derives the state machine position from the entry's timestamps
func (e *CacheEntry) Status() CacheStatus {
	switch {
	case e == nil || e.Started == nil:
		return CacheNotCached
	case e.Failure != "":
		return CacheFailed
	case e.Completed != nil:
		return CacheCompleted
	default:
		return CacheStarted
	}
}
