package replica

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/marcus/cacheagent/internal/models"
)

// fingerprint hashes the client's pending action set together with the
// depot versions of the affected products. Equal fingerprints mean a
// rebuild would produce the same work store for those products.
func (s *Store) fingerprint(ctx context.Context, depotID string, pocs []models.ProductOnClient) (string, error) {
	var pending []string
	var lines []string
	for _, poc := range pocs {
		if poc.ActionRequest.IsSet() {
			pending = append(pending, poc.ProductID)
			lines = append(lines, "a|"+poc.ProductID+"|"+string(poc.ActionRequest))
		}
	}
	if len(pending) > 0 {
		pods, err := s.master.ProductOnDepotGetObjects(ctx, []string{depotID}, pending...)
		if err != nil {
			return "", fmt.Errorf("get products on depot: %w", err)
		}
		for _, pod := range pods {
			lines = append(lines, "v|"+pod.ProductID+"|"+pod.ProductVersion+"|"+pod.PackageVersion)
		}
	}
	return pendingFingerprint(depotID, lines), nil
}

func pendingFingerprint(depotID string, lines []string) string {
	slices.Sort(lines)
	h := blake3.New()
	h.Write([]byte("depot|" + depotID + "\n"))
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
