package structs

import (
	"fmt"
	"strings"
)

// Package identifies a versioned product archive. The agent treats container
// image references of the form <product>:<version> as packages.
type Package struct {
	Product string `json:"product"`
	Version string `json:"version"`
}

type Packages []Package

func ParseImage(image string) (Package, error) {
	parts := strings.Split(image, ":")

	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Package{}, fmt.Errorf("invalid image reference: %s", image)
	}

	return Package{Product: parts[0], Version: parts[1]}, nil
}

// Name is the directory name of the installed tree.
func (p Package) Name() string {
	return fmt.Sprintf("%s-%s", p.Product, p.Version)
}

// Archive is the file name of the cached download.
func (p Package) Archive() string {
	return fmt.Sprintf("%s-%s.tar.gz", p.Product, p.Version)
}

func (p Package) String() string {
	return fmt.Sprintf("%s:%s", p.Product, p.Version)
}
