package openstack

import (
	"errors"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

// computeAPI is the subset of the compute v2 API used by the provisioner.
type computeAPI interface {
	CreateServer(opts servers.CreateOptsBuilder) (*servers.Server, error)
	GetServer(id string) (*servers.Server, error)
	ListServers() ([]servers.Server, error)
	ListAddresses(id string) (map[string][]servers.Address, error)
	DeleteServer(id string) error
	CreateKeyPair(name string) (*keypairs.KeyPair, error)
	DeleteKeyPair(name string) error
}

type gophercloudCompute struct {
	client *gophercloud.ServiceClient
}

func (c gophercloudCompute) CreateServer(opts servers.CreateOptsBuilder) (*servers.Server, error) {
	return servers.Create(c.client, opts).Extract()
}

func (c gophercloudCompute) GetServer(id string) (*servers.Server, error) {
	return servers.Get(c.client, id).Extract()
}

func (c gophercloudCompute) ListServers() ([]servers.Server, error) {
	pages, err := servers.List(c.client, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, err
	}
	return servers.ExtractServers(pages)
}

func (c gophercloudCompute) ListAddresses(id string) (map[string][]servers.Address, error) {
	pages, err := servers.ListAddresses(c.client, id).AllPages()
	if err != nil {
		return nil, err
	}
	return servers.ExtractAddresses(pages)
}

func (c gophercloudCompute) DeleteServer(id string) error {
	return servers.Delete(c.client, id).ExtractErr()
}

func (c gophercloudCompute) CreateKeyPair(name string) (*keypairs.KeyPair, error) {
	return keypairs.Create(c.client, keypairs.CreateOpts{Name: name}).Extract()
}

func (c gophercloudCompute) DeleteKeyPair(name string) error {
	return keypairs.Delete(c.client, name, nil).ExtractErr()
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}
