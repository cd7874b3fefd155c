// Package azure wraps the compute, storage and blob APIs used to replicate
// snapshots between subscriptions.
package azure

import (
	"fmt"
	"strings"
)

func value[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func stringMap(m map[string]*string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = value(v)
	}
	return out
}

func pointerMap(m map[string]string) map[string]*string {
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[k] = new(v)
	}
	return out
}

// resourceGroupFromID extracts the resource group segment of an ARM id such
// as /subscriptions/{sub}/resourceGroups/{rg}/providers/...
func resourceGroupFromID(id string) (string, error) {
	parts := strings.Split(id, "/")
	if len(parts) < 5 || !strings.EqualFold(parts[3], "resourceGroups") {
		return "", fmt.Errorf("malformed resource id %q", id)
	}
	return parts[4], nil
}

// StorageAccountID is the ARM id of a storage account.
func StorageAccountID(subscriptionID, resourceGroup, account string) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s",
		subscriptionID, resourceGroup, account)
}
