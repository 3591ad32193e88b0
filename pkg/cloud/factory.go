package cloud

import (
	"context"
	"fmt"
)

// New constructs the Provider named by kind. vsphere and esx require a
// reachable endpoint in cfg; dummy ignores cfg entirely.
func New(ctx context.Context, kind Kind, cfg VSphereConfig) (Provider, error) {
	switch kind {
	case KindVSphere:
		return NewVSphere(ctx, cfg)
	case KindESX:
		return NewESX(ctx, cfg)
	case KindDummy:
		return NewDummy(), nil
	default:
		return nil, fmt.Errorf("unknown cloud provider kind %q", kind)
	}
}
