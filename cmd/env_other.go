//go:build !linux

package cmd

import (
	"errors"

	"grimm.is/geoblock/internal/brand"
)

func openSession(string) (*session, error) {
	return nil, errors.New(brand.Name + " manages nftables and only runs on Linux")
}
