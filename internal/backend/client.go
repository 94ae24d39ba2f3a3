package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/cacheagent/internal/models"
)

// Client is a JSON-RPC client for the config server
type Client struct {
	URL     string
	HostID  string
	HostKey string
	HTTP    *http.Client
}

// New creates a new config server client
func New(url, hostID, hostKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		URL:     url,
		HostID:  hostID,
		HostKey: hostKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

var _ Backend = (*Client)(nil)

// --- Wire types ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// filter builds an object filter, omitting empty id lists
func filter(kv ...any) map[string]any {
	f := make(map[string]any)
	for i := 0; i+1 < len(kv); i += 2 {
		key := kv[i].(string)
		switch v := kv[i+1].(type) {
		case []string:
			if len(v) > 0 {
				f[key] = v
			}
		case string:
			if v != "" {
				f[key] = v
			}
		default:
			f[key] = v
		}
	}
	return f
}

func getObjects[T any](ctx context.Context, c *Client, method string, f map[string]any) ([]T, error) {
	var out []T
	if err := c.Call(ctx, method, []any{[]string{}, f}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Object reads ---

func (c *Client) HostGetObjects(ctx context.Context, ids ...string) ([]models.Host, error) {
	return getObjects[models.Host](ctx, c, "host_getObjects", filter("id", ids))
}

func (c *Client) ProductGetObjects(ctx context.Context, ids ...string) ([]models.Product, error) {
	return getObjects[models.Product](ctx, c, "product_getObjects", filter("id", ids))
}

func (c *Client) ProductOnDepotGetObjects(ctx context.Context, depotIDs []string, productIDs ...string) ([]models.ProductOnDepot, error) {
	return getObjects[models.ProductOnDepot](ctx, c, "productOnDepot_getObjects", filter("depotId", depotIDs, "productId", productIDs))
}

func (c *Client) ProductOnClientGetObjects(ctx context.Context, clientIDs []string, productIDs ...string) ([]models.ProductOnClient, error) {
	return getObjects[models.ProductOnClient](ctx, c, "productOnClient_getObjects", filter("clientId", clientIDs, "productId", productIDs))
}

func (c *Client) ProductDependencyGetObjects(ctx context.Context, productIDs ...string) ([]models.ProductDependency, error) {
	return getObjects[models.ProductDependency](ctx, c, "productDependency_getObjects", filter("productId", productIDs))
}

func (c *Client) ProductPropertyStateGetObjects(ctx context.Context, objectIDs []string, productIDs ...string) ([]models.ProductPropertyState, error) {
	return getObjects[models.ProductPropertyState](ctx, c, "productPropertyState_getObjects", filter("objectId", objectIDs, "productId", productIDs))
}

func (c *Client) ConfigGetObjects(ctx context.Context, ids ...string) ([]models.Config, error) {
	return getObjects[models.Config](ctx, c, "config_getObjects", filter("id", ids))
}

func (c *Client) ConfigStateGetObjects(ctx context.Context, objectIDs []string, configIDs ...string) ([]models.ConfigState, error) {
	return getObjects[models.ConfigState](ctx, c, "configState_getObjects", filter("objectId", objectIDs, "configId", configIDs))
}

func (c *Client) ConfigStateGetClientToDepotserver(ctx context.Context, clientIDs ...string) ([]models.ClientToDepot, error) {
	var out []models.ClientToDepot
	if err := c.Call(ctx, "configState_getClientToDepotserver", []any{clientIDs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LicenseOnClientGetOrCreate(ctx context.Context, clientID, productID string) (*models.LicenseOnClient, error) {
	var out models.LicenseOnClient
	if err := c.Call(ctx, "licenseOnClient_getOrCreateObject", []any{clientID, nil, productID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LicenseOnClientGetObjects(ctx context.Context, clientIDs ...string) ([]models.LicenseOnClient, error) {
	return getObjects[models.LicenseOnClient](ctx, c, "licenseOnClient_getObjects", filter("clientId", clientIDs))
}

func (c *Client) SoftwareLicenseGetObjects(ctx context.Context, ids ...string) ([]models.SoftwareLicense, error) {
	return getObjects[models.SoftwareLicense](ctx, c, "softwareLicense_getObjects", filter("id", ids))
}

func (c *Client) LicenseContractGetObjects(ctx context.Context, ids ...string) ([]models.LicenseContract, error) {
	return getObjects[models.LicenseContract](ctx, c, "licenseContract_getObjects", filter("id", ids))
}

func (c *Client) LicensePoolGetObjects(ctx context.Context, ids ...string) ([]models.LicensePool, error) {
	return getObjects[models.LicensePool](ctx, c, "licensePool_getObjects", filter("id", ids))
}

// --- Object writes ---

func (c *Client) ProductOnClientUpdateObjects(ctx context.Context, objs []models.ProductOnClient) error {
	return c.Call(ctx, "productOnClient_updateObjects", []any{objs}, nil)
}

func (c *Client) ProductOnClientDeleteObjects(ctx context.Context, objs []models.ProductOnClient) error {
	return c.Call(ctx, "productOnClient_deleteObjects", []any{objs}, nil)
}

func (c *Client) ConfigStateUpdateObjects(ctx context.Context, objs []models.ConfigState) error {
	return c.Call(ctx, "configState_updateObjects", []any{objs}, nil)
}

func (c *Client) ConfigStateDeleteObjects(ctx context.Context, objs []models.ConfigState) error {
	return c.Call(ctx, "configState_deleteObjects", []any{objs}, nil)
}

func (c *Client) ProductPropertyStateUpdateObjects(ctx context.Context, objs []models.ProductPropertyState) error {
	return c.Call(ctx, "productPropertyState_updateObjects", []any{objs}, nil)
}

func (c *Client) ProductPropertyStateDeleteObjects(ctx context.Context, objs []models.ProductPropertyState) error {
	return c.Call(ctx, "productPropertyState_deleteObjects", []any{objs}, nil)
}

func (c *Client) LicenseOnClientUpdateObjects(ctx context.Context, objs []models.LicenseOnClient) error {
	return c.Call(ctx, "licenseOnClient_updateObjects", []any{objs}, nil)
}

func (c *Client) LicenseOnClientDeleteObjects(ctx context.Context, objs []models.LicenseOnClient) error {
	return c.Call(ctx, "licenseOnClient_deleteObjects", []any{objs}, nil)
}

// --- Transfer slots ---

type slotResponse struct {
	SlotID     string  `json:"slot_id"`
	Retention  float64 `json:"retention"`
	RetryAfter float64 `json:"retry_after"`
}

// AcquireTransferSlot requests or renews a transfer slot on a depot
func (c *Client) AcquireTransferSlot(ctx context.Context, req SlotRequest) (*TransferSlot, error) {
	var resp slotResponse
	params := []any{req.DepotID, req.ClientID, nilIfEmpty(req.SlotID), req.SlotType}
	if err := c.Call(ctx, "depot_acquireTransferSlot", params, &resp); err != nil {
		return nil, err
	}
	return &TransferSlot{
		SlotID:     resp.SlotID,
		Retention:  seconds(resp.Retention),
		RetryAfter: seconds(resp.RetryAfter),
	}, nil
}

// ReleaseTransferSlot gives a slot back to the server
func (c *Client) ReleaseTransferSlot(ctx context.Context, req SlotRequest) error {
	return c.Call(ctx, "depot_releaseTransferSlot", []any{req.DepotID, req.ClientID, req.SlotID, req.SlotType}, nil)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Auxiliary data ---

func (c *Client) BackendModules(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.Call(ctx, "backend_getLicensingInfo", []any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UserCredentials(ctx context.Context, username, hostID string) (*Credentials, error) {
	var out Credentials
	if err := c.Call(ctx, "user_getCredentials", []any{username, hostID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) HardwareAudit(ctx context.Context, hostID string) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.Call(ctx, "auditHardwareOnHost_getObjects", []any{[]string{}, filter("hostId", hostID)}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- HTTP helpers ---

// Call executes one JSON-RPC method and decodes its result into result
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.HostID != "" {
		req.SetBasicAuth(c.HostID, c.HostKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", method, ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", method, ErrNotFound)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if result != nil && len(rpcResp.Result) > 0 && string(rpcResp.Result) != "null" {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}
