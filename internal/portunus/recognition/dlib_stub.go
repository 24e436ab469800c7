//go:build !dlib

package recognition

import (
	"context"
	"errors"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

const DlibAvailable = false

var errNoDlib = errors.New("face recognition unavailable: built without the dlib tag")

// DlibCapability is a placeholder in builds without dlib; every call fails.
type DlibCapability struct{}

func NewDlibCapability(string) (*DlibCapability, error) { return nil, errNoDlib }

func (c *DlibCapability) Close() {}

func (c *DlibCapability) Detect(context.Context, types.Frame) ([]types.Box, error) {
	return nil, errNoDlib
}

func (c *DlibCapability) Encode(context.Context, types.Frame, []types.Box) ([][]float64, error) {
	return nil, errNoDlib
}
