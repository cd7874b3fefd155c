package azure

import (
	"context"
	"errors"
	"fmt"
	"snapcopy/internal/credential"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
)

var ErrUnknownAccount = errors.New("storage account not found in destination subscription")

// Account describes a destination storage account.
type Account struct {
	Name          string
	ID            string
	Location      string
	ResourceGroup string
}

type accountsAPI interface {
	NewListPager(options *armstorage.AccountsClientListOptions) *runtime.Pager[armstorage.AccountsClientListResponse]
	ListKeys(ctx context.Context, resourceGroupName string, accountName string, options *armstorage.AccountsClientListKeysOptions) (armstorage.AccountsClientListKeysResponse, error)
}

// StorageResolver maps destination account names onto their metadata, keys
// and blob endpoints. The account catalogue is fetched once on creation.
type StorageResolver struct {
	accounts  accountsAPI
	catalogue map[string]Account
	newBlobs  func(account, key string) (Blobs, error)
}

func NewStorageResolver(ctx context.Context, p *credential.Provider, subscriptionID string) (*StorageResolver, error) {
	client, err := armstorage.NewAccountsClient(subscriptionID, p.TokenCredential(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage accounts client: %w", err)
	}

	return newStorageResolver(ctx, client, NewBlobs)
}

func newStorageResolver(ctx context.Context, api accountsAPI, newBlobs func(account, key string) (Blobs, error)) (*StorageResolver, error) {
	r := &StorageResolver{
		accounts:  api,
		catalogue: make(map[string]Account),
		newBlobs:  newBlobs,
	}

	pager := api.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list storage accounts: %w", err)
		}

		for _, a := range page.Value {
			if a == nil || a.Name == nil {
				continue
			}
			rg, err := resourceGroupFromID(value(a.ID))
			if err != nil {
				continue
			}
			r.catalogue[*a.Name] = Account{
				Name:          *a.Name,
				ID:            value(a.ID),
				Location:      value(a.Location),
				ResourceGroup: rg,
			}
		}
	}

	return r, nil
}

func (r *StorageResolver) Resolve(name string) (Account, error) {
	a, ok := r.catalogue[name]
	if !ok {
		return Account{}, fmt.Errorf("%s: %w", name, ErrUnknownAccount)
	}
	return a, nil
}

// AccessKey returns the value of key1 for the account.
func (r *StorageResolver) AccessKey(ctx context.Context, resourceGroup, name string) (string, error) {
	res, err := r.accounts.ListKeys(ctx, resourceGroup, name, nil)
	if err != nil {
		return "", fmt.Errorf("failed to list keys for %s: %w", name, err)
	}

	for _, k := range res.Keys {
		if k != nil && value(k.KeyName) == "key1" {
			return value(k.Value), nil
		}
	}
	return "", fmt.Errorf("storage account %s has no key1", name)
}

// Blobs returns a shared-key authorized handle to the account's blob service.
func (r *StorageResolver) Blobs(ctx context.Context, name string) (Blobs, error) {
	a, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}

	key, err := r.AccessKey(ctx, a.ResourceGroup, a.Name)
	if err != nil {
		return nil, err
	}

	return r.newBlobs(a.Name, key)
}
