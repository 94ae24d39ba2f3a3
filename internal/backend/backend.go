// Package backend defines the operations the agent uses against a config
// backend. The same ObjectBackend interface is served by the config server
// (Client) and by the local work store, so callers do not care which one
// they hold.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/cacheagent/internal/models"
)

// Sentinel errors for common failure classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrNotSupported = errors.New("operation not supported by this backend")
)

// RPCError is an error object returned by the server
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ObjectBackend lists every object operation the agent forwards. Empty id
// lists mean "no filter".
type ObjectBackend interface {
	HostGetObjects(ctx context.Context, ids ...string) ([]models.Host, error)
	ProductGetObjects(ctx context.Context, ids ...string) ([]models.Product, error)
	ProductOnDepotGetObjects(ctx context.Context, depotIDs []string, productIDs ...string) ([]models.ProductOnDepot, error)
	ProductOnClientGetObjects(ctx context.Context, clientIDs []string, productIDs ...string) ([]models.ProductOnClient, error)
	ProductDependencyGetObjects(ctx context.Context, productIDs ...string) ([]models.ProductDependency, error)
	ProductPropertyStateGetObjects(ctx context.Context, objectIDs []string, productIDs ...string) ([]models.ProductPropertyState, error)
	ConfigGetObjects(ctx context.Context, ids ...string) ([]models.Config, error)
	ConfigStateGetObjects(ctx context.Context, objectIDs []string, configIDs ...string) ([]models.ConfigState, error)
	ConfigStateGetClientToDepotserver(ctx context.Context, clientIDs ...string) ([]models.ClientToDepot, error)

	LicenseOnClientGetOrCreate(ctx context.Context, clientID, productID string) (*models.LicenseOnClient, error)
	LicenseOnClientGetObjects(ctx context.Context, clientIDs ...string) ([]models.LicenseOnClient, error)
	SoftwareLicenseGetObjects(ctx context.Context, ids ...string) ([]models.SoftwareLicense, error)
	LicenseContractGetObjects(ctx context.Context, ids ...string) ([]models.LicenseContract, error)
	LicensePoolGetObjects(ctx context.Context, ids ...string) ([]models.LicensePool, error)

	ProductOnClientUpdateObjects(ctx context.Context, objs []models.ProductOnClient) error
	ProductOnClientDeleteObjects(ctx context.Context, objs []models.ProductOnClient) error
	ConfigStateUpdateObjects(ctx context.Context, objs []models.ConfigState) error
	ConfigStateDeleteObjects(ctx context.Context, objs []models.ConfigState) error
	ProductPropertyStateUpdateObjects(ctx context.Context, objs []models.ProductPropertyState) error
	ProductPropertyStateDeleteObjects(ctx context.Context, objs []models.ProductPropertyState) error
	LicenseOnClientUpdateObjects(ctx context.Context, objs []models.LicenseOnClient) error
	LicenseOnClientDeleteObjects(ctx context.Context, objs []models.LicenseOnClient) error
}

// SlotRequest asks the server for a transfer slot on a depot
type SlotRequest struct {
	DepotID  string
	ClientID string
	SlotID   string // empty for a new slot, set to renew an existing one
	SlotType string
}

// TransferSlot is the server's answer to a slot request. An empty SlotID
// means no slot is free and the caller should retry after RetryAfter.
type TransferSlot struct {
	SlotID     string        `json:"slot_id"`
	Retention  time.Duration `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

// Granted reports whether the server handed out a slot
func (s *TransferSlot) Granted() bool {
	return s != nil && s.SlotID != ""
}

// SlotBackend admits bulk transfers through server-leased slots
type SlotBackend interface {
	AcquireTransferSlot(ctx context.Context, req SlotRequest) (*TransferSlot, error)
	ReleaseTransferSlot(ctx context.Context, req SlotRequest) error
}

// Credentials are cached for offline logon
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuxBackend serves the data kept in the auxiliary offline caches
type AuxBackend interface {
	BackendModules(ctx context.Context) (map[string]any, error)
	UserCredentials(ctx context.Context, username, hostID string) (*Credentials, error)
	HardwareAudit(ctx context.Context, hostID string) ([]map[string]any, error)
}

// Backend is everything the config server offers the agent
type Backend interface {
	ObjectBackend
	SlotBackend
	AuxBackend
}
