package resolver

import "fmt"

// ProductNotAvailableError means the catalog has no product for the
// version a depot advertises
type ProductNotAvailableError struct {
	ProductID      string
	ProductVersion string
	PackageVersion string
}

func (e *ProductNotAvailableError) Error() string {
	return fmt.Sprintf("product %s_%s-%s not available", e.ProductID, e.ProductVersion, e.PackageVersion)
}

// ProductNotAvailableOnDepotError means the client's depot does not carry the product
type ProductNotAvailableOnDepotError struct {
	ProductID string
	DepotID   string
}

func (e *ProductNotAvailableOnDepotError) Error() string {
	if e.DepotID == "" {
		return fmt.Sprintf("product %s not available: client has no depot", e.ProductID)
	}
	return fmt.Sprintf("product %s not available on depot %s", e.ProductID, e.DepotID)
}
